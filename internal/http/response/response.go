package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondCreated(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, payload)
}

// Error はドメインエラーを分類に応じたステータスとメッセージに変換して返します
// 分類できないエラーは内部エラーとしてログに残し、詳細は返しません
func Error(c *gin.Context, log *logger.Logger, err error) {
	kind := model.KindOf(err)
	switch kind {
	case model.KindContention:
		RespondError(c, http.StatusConflict, string(kind), errors.New("property is not available"))
	case model.KindCapacity:
		RespondError(c, http.StatusConflict, string(kind), errors.New("cart limit reached"))
	case model.KindWindow:
		RespondError(c, http.StatusGone, string(kind), errors.New("window expired, item removed"))
	case model.KindNotFound:
		RespondError(c, http.StatusNotFound, string(kind), err)
	case model.KindConflict:
		RespondError(c, http.StatusConflict, string(kind), err)
	case model.KindInvalid:
		RespondError(c, http.StatusBadRequest, string(kind), err)
	default:
		log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		RespondError(c, http.StatusInternalServerError, string(model.KindInternal), errors.New("internal server error"))
	}
}
