package config

type WorkerKeyStruct struct {
	GradeRequestsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	GradeRequestsQueue: "grade_requests_queue",
}
