package mcpsession

// Wire-stable method names, exported as constants so host code never
// hand-writes a method string.
const (
	MethodInitialize        = "initialize"
	MethodInitialized       = "notifications/initialized"
	MethodPing              = "ping"
	MethodCancelled         = "notifications/cancelled"
	MethodProgress          = "notifications/progress"
	MethodTasksGet          = "tasks/get"
	MethodTasksList         = "tasks/list"
	MethodTasksCancel       = "tasks/cancel"
	MethodTasksResult       = "tasks/result"
	MethodTasksStatus       = "notifications/tasks/status"
	MethodRootsList         = "roots/list"
	MethodRootsListChanged  = "notifications/roots/list_changed"
	MethodSamplingCreate    = "sampling/createMessage"
	MethodElicitationCreate = "elicitation/create"
	MethodElicitationDone   = "notifications/elicitation/complete"
)
