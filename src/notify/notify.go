// Package notify 在流崩溃或启动超时时发送告警（邮件、ntfy），发送失败只记录日志
package notify

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hr3lxphr6j/requests"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"github.com/hlskeeper/hlskeeper/src/configs"
	"github.com/hlskeeper/hlskeeper/src/consts"
	hksentry "github.com/hlskeeper/hlskeeper/src/pkg/sentry"
)

const sendTimeout = 10 * time.Second

type mailSender func(cfg configs.Email, m *gomail.Message) error

type Notifier struct {
	session  *requests.Session
	sendMail mailSender
	config   func() *configs.Config
	logger   *logrus.Entry
}

func New() *Notifier {
	return &Notifier{
		session:  requests.NewSession(&http.Client{Timeout: sendTimeout}),
		sendMail: dialAndSend,
		config:   configs.GetCurrentConfig,
		logger:   logrus.WithField("component", "notify"),
	}
}

// Notify 按配置向所有已启用的渠道发送，不阻塞调用方
func (n *Notifier) Notify(ctx context.Context, title, message string) {
	hksentry.GoWithContext(ctx, func(ctx context.Context) {
		if err := n.Send(ctx, title, message); err != nil {
			n.logger.WithError(err).WithField("title", title).Warn("发送告警失败")
		}
	})
}

// Send 同步发送，返回所有渠道的错误。ctx 结束后剩余渠道不再发送
func (n *Notifier) Send(ctx context.Context, title, message string) error {
	cfg := n.config()
	if cfg == nil {
		return errors.New("configuration is nil")
	}
	// 消息里可能带有源地址，去掉其中的账号密码
	message = hksentry.RedactCredentials(message)

	type channel struct {
		name    string
		enabled bool
		send    func() error
	}
	channels := []channel{
		{"ntfy", cfg.Notify.Ntfy.Enable, func() error { return n.sendNtfy(cfg.Notify.Ntfy, title, message) }},
		{"email", cfg.Notify.Email.Enable, func() error { return n.sendEmail(cfg.Notify.Email, title, message) }},
	}
	var errs []error
	for _, c := range channels {
		if !c.enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		if err := c.send(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

// sendNtfy 使用 GET /<topic>/publish 发布，token 通过 auth 参数传递
func (n *Notifier) sendNtfy(cfg configs.Ntfy, title, message string) error {
	if cfg.URL == "" {
		return errors.New("ntfy url is empty")
	}
	values := url.Values{}
	values.Set("title", title)
	values.Set("message", message)
	if cfg.Tag != "" {
		values.Set("tags", cfg.Tag)
	}
	if cfg.Token != "" {
		values.Set("auth", base64.RawURLEncoding.EncodeToString([]byte("Bearer "+cfg.Token)))
	}
	publishURL := strings.TrimRight(cfg.URL, "/") + "/publish?" + values.Encode()
	resp, err := n.session.Get(publishURL, requests.UserAgent(consts.AppName+"/"+consts.AppVersion))
	if err != nil {
		return err
	}
	body, _ := resp.Bytes()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (n *Notifier) sendEmail(cfg configs.Email, title, message string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", cfg.SenderEmail)
	m.SetHeader("To", cfg.RecipientEmail)
	m.SetHeader("Subject", fmt.Sprintf("[%s] %s", consts.AppName, title))
	m.SetBody("text/plain", message)
	return n.sendMail(cfg, m)
}

func dialAndSend(cfg configs.Email, m *gomail.Message) error {
	d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SenderEmail, cfg.SenderPassword)
	return d.DialAndSend(m)
}
