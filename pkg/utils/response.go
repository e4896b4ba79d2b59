package utils

import (
	"encoding/json"
	"log"
	"net/http"
)

// ErrorBody 统一的错误响应体
type ErrorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorBody{Error: message})
}

// RespondErrorDetails 发送带诊断信息的错误响应
func RespondErrorDetails(w http.ResponseWriter, status int, message, details string) {
	RespondJSON(w, status, ErrorBody{Error: message, Details: details})
}
