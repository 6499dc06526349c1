package servers

import (
	"encoding/json"
	"errors"
	"net/http"

	applog "github.com/hlskeeper/hlskeeper/src/log"
	"github.com/hlskeeper/hlskeeper/src/pkg/hlsdir"
	"github.com/hlskeeper/hlskeeper/src/streamstore"
	"github.com/hlskeeper/hlskeeper/src/supervisor"
)

type commonResp struct {
	Success bool   `json:"success"`
	ErrNo   int    `json:"err_no,omitempty"`
	ErrMsg  string `json:"err_msg,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJsonWithStatusCode(writer http.ResponseWriter, code int, obj any) {
	writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	writer.WriteHeader(code)
	if err := json.NewEncoder(writer).Encode(obj); err != nil {
		applog.GetLogger().WithError(err).Debug("写入响应失败")
	}
}

func writeJSON(writer http.ResponseWriter, data any) {
	writeJsonWithStatusCode(writer, http.StatusOK, commonResp{Success: true, Data: data})
}

func writeMsg(writer http.ResponseWriter, code int, msg string) {
	writeJsonWithStatusCode(writer, code, commonResp{ErrNo: code, ErrMsg: msg})
}

// writeError 按错误类型选择状态码
func writeError(writer http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, streamstore.ErrStreamNotFound):
		code = http.StatusNotFound
	case errors.Is(err, streamstore.ErrStreamExists):
		code = http.StatusConflict
	case errors.Is(err, hlsdir.ErrInvalidStreamID):
		code = http.StatusBadRequest
	case errors.Is(err, supervisor.ErrManagerClosed):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		applog.GetLogger().WithError(err).Error("请求处理失败")
	}
	writeMsg(writer, code, err.Error())
}
