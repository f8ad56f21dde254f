package eventbus

// FilterTypes 只保留指定类型的事件（OR）
func FilterTypes(eventTypes ...EventType) EventFilter {
	return func(event Event) bool {
		for _, et := range eventTypes {
			if event.GetType() == et {
				return true
			}
		}
		return false
	}
}

// FilterFinished 只保留终态事件（完成或失败）
func FilterFinished() EventFilter {
	return FilterTypes(EventStreamCompleted, EventStreamFailed)
}
