package http

type Status string

const (
	StatusOK      Status = "OK"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Response is the body of every non-list reply. Retryable marks errors after which the
// client may resend the request to another member.
type Response struct {
	Status    Status  `json:"status,omitempty"`
	Value     string  `json:"value,omitempty"`
	PrevIndex *uint64 `json:"prev_index,omitempty"`
	Error     string  `json:"error,omitempty"`
	Retryable bool    `json:"retryable,omitempty"`
}

func healthResponse() Response {
	return Response{Status: StatusOK}
}

func successResponse() Response {
	return Response{Status: StatusSuccess}
}

func valueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

// pruneResponse reports the prev index of the raft log after a prune.
func pruneResponse(prevIndex uint64) Response {
	return Response{Status: StatusSuccess, PrevIndex: &prevIndex}
}

func errorResponse(msg string) Response {
	return Response{Status: StatusError, Error: msg}
}

func retryableResponse(err error) Response {
	return Response{Status: StatusError, Error: err.Error(), Retryable: true}
}
