package configs

import "os"

// isInContainer 判断当前进程是否运行在容器内
func isInContainer() bool {
	if os.Getenv("IS_DOCKER") == "true" {
		return true
	}
	_, err := os.Stat("/.dockerenv")
	return err == nil
}
