package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/itemcast/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// error にはエラーコードが入る。Status と Body は転送先が失敗応答を返した場合のみ設定される。
type ErrorResponseBody struct {
	Error   string  `json:"error"`
	Message string  `json:"message,omitempty"`
	Status  int     `json:"status,omitempty"`
	Body    *string `json:"body,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	WriteErrorBody(w, statusCode, ErrorResponseBody{
		Error:   apiErr.Code,
		Message: apiErr.Message,
	})
}

// WriteErrorBody は組み立て済みのエラーボディを書き込む。
func WriteErrorBody(w http.ResponseWriter, statusCode int, body ErrorResponseBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、クライアントには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
