package utils

type HttpRes struct {
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
}

func HttpResError(errMsg string, statusCode int) (int, HttpRes) {
	return statusCode, HttpRes{
		Status:     "error",
		Message:    errMsg,
		StatusCode: statusCode,
	}
}
