package utils

import (
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
)

var filenameReplacer = strings.NewReplacer(
	`\`, "_", "/", "_", ":", "_", "*", "_", "?", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_",
)

// GetFuncMap 模板函数：sprig 全部函数加上 filenameFilter
func GetFuncMap() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	funcs["filenameFilter"] = filenameFilter
	return funcs
}

func filenameFilter(s string) string {
	return strings.TrimSpace(filenameReplacer.Replace(s))
}
