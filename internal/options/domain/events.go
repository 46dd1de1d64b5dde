package domain

// 期权核心领域事件主题
const (
	SeriesCreatedEventType     = "options.series.created"
	SeriesSettledEventType     = "options.series.settled"
	PositionOpenedEventType    = "options.position.opened"
	PositionChangedEventType   = "options.position.changed"
	PositionClosedEventType    = "options.position.closed"
	PositionExercisedEventType = "options.position.exercised"
	ParametersUpdatedEventType = "options.parameters.updated"
	OracleSourceAddedEventType = "options.oracle_source.added"
)
