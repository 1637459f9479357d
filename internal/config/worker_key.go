package config

type WorkerKeyStruct struct {
	SessionActivityQueue string
	FinalizeRetryQueue   string
	// FinalizeRetryDelayed is a sorted set of retries scored by the unix second they become due.
	FinalizeRetryDelayed string
}

var WorkerKey = &WorkerKeyStruct{
	SessionActivityQueue: "session_activity_queue",
	FinalizeRetryQueue:   "finalize_retry_queue",
	FinalizeRetryDelayed: "finalize_retry_delayed",
}
