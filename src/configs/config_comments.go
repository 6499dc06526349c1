package configs

import "gopkg.in/yaml.v3"

// DecorateConfigNode 将硬编码的中文注释注入到配置节点树中。
func DecorateConfigNode(node *yaml.Node) {
	if node.Kind != yaml.DocumentNode || len(node.Content) == 0 {
		return
	}
	root := node.Content[0]
	if root.Kind != yaml.MappingNode {
		return
	}

	root.HeadComment = `# 这个配置文件内的注释是自动生成的，请不要手动修改。
# 需要修改注释时，请在 src/configs/config_comments.go 文件内修改。`

	rpcNode := findNode(root, "rpc")
	if rpcNode != nil {
		setFieldComment(rpcNode, "bind", "", "# HTTP 服务监听地址，也可通过环境变量 PORT 或 HLSKEEPER_BIND 指定")
		setFieldComment(rpcNode, "cors_origins", "# 允许跨域访问的来源列表，为空时允许所有来源", "")
	}

	setFieldLineComment(root, "ffmpeg_path", "# 如果此项为空，就自动在环境变量里寻找")
	setFieldLineComment(root, "streams_path", "# HLS 输出根目录，每路流在其下拥有独立子目录")
	setFieldLineComment(root, "app_data_path", "# 数据库等运行数据存放目录，为空时使用与 streams_path 同级的 <目录名>_appdata，不能位于 streams_path 之内")

	setFieldHeadComment(root, "supervisor", "# 转码进程监管配置，时间格式如 30s、1m")
	supervisorNode := findNode(root, "supervisor")
	if supervisorNode != nil {
		setFieldComment(supervisorNode, "health_interval", "# 健康检查周期", "")
		setFieldComment(supervisorNode, "stale_threshold", "# 播放列表超过该时长未更新即判定为 degraded", "")
		setFieldComment(supervisorNode, "startup_grace", "# 启动后多久检查 stream.m3u8 是否已生成", "")
		setFieldComment(supervisorNode, "startup_timeout",
			`# 进程保持 starting 状态且没有播放列表的最长时间
# 超时后会记录 startup_error 并结束进程`, "")
		setFieldComment(supervisorNode, "kill_timeout", "# 发送 SIGTERM 后等待多久再强制结束", "")
		setFieldComment(supervisorNode, "stderr_tail_size", "# 崩溃日志中保留的 ffmpeg stderr 尾部字符数", "")
		setFieldComment(supervisorNode, "dir_name_tmpl",
			`# 每路流的输出目录名模板，支持 sprig 函数
# 可用变量: {{ .ID }}`, "")
	}

	setFieldHeadComment(root, "notify", "# 通知服务配置（进程崩溃、启动超时时发送）")
	notifyNode := findNode(root, "notify")
	if notifyNode != nil {
		email := findNode(notifyNode, "email")
		if email != nil {
			setFieldComment(email, "enable", "# 是否开启Email通知", "")
			setFieldComment(email, "smtpHost", "# SMTP服务器地址 (例如: smtp.gmail.com, smtp.qq.com等)", "")
			setFieldComment(email, "smtpPort", "# SMTP服务器端口 (常用端口: 25, 465, 587)", "")
			setFieldComment(email, "senderEmail", "# 发送者邮箱地址", "")
			setFieldComment(email, "senderPassword", "# 发送者邮箱授权码或应用专用密码", "")
			setFieldComment(email, "recipientEmail", "# 接收者邮箱地址 ", "")
		}
		ntfy := findNode(notifyNode, "ntfy")
		if ntfy != nil {
			setFieldComment(ntfy, "URL", "# ntfy 主题地址，例如 https://ntfy.sh/my-cameras", "")
		}
	}

	setFieldHeadComment(root, "sentry", "# Sentry 错误监控配置（用于收集崩溃日志）")
	sentryNode := findNode(root, "sentry")
	if sentryNode != nil {
		setFieldComment(sentryNode, "enable", "# 是否启用 Sentry 错误监控", "")
		setFieldComment(sentryNode, "dsn", "# Sentry DSN，留空则使用编译时注入的默认值", "")
		setFieldComment(sentryNode, "environment", "# 环境标识：production 或 development", "")
	}
}

func findNode(mapNode *yaml.Node, key string) *yaml.Node {
	for i := 0; i < len(mapNode.Content); i += 2 {
		if mapNode.Content[i].Value == key {
			return mapNode.Content[i+1]
		}
	}
	return nil
}

func setFieldComment(mapNode *yaml.Node, key, headComment, lineComment string) {
	for i := 0; i < len(mapNode.Content); i += 2 {
		k := mapNode.Content[i]
		if k.Value == key {
			if headComment != "" {
				k.HeadComment = headComment
			}
			if lineComment != "" {
				k.LineComment = lineComment
			}
			return
		}
	}
}

func setFieldLineComment(mapNode *yaml.Node, key, lineComment string) {
	for i := 0; i < len(mapNode.Content); i += 2 {
		k := mapNode.Content[i]
		if k.Value == key {
			k.LineComment = lineComment
			return
		}
	}
}

func setFieldHeadComment(mapNode *yaml.Node, key, headComment string) {
	for i := 0; i < len(mapNode.Content); i += 2 {
		k := mapNode.Content[i]
		if k.Value == key {
			k.HeadComment = headComment
			return
		}
	}
}
