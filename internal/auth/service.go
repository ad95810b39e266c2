package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	"ToolRelay-Chain/pkg/logger"
)

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode    Mode
	entries []tokenEntry
	audit   *slog.Logger
}

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// NewService 构造身份认证服务实例。token 模式下至少需要一个令牌。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	for i, token := range cfg.Tokens {
		value := strings.TrimSpace(token.Value)
		if value == "" {
			return nil, fmt.Errorf("auth token %d (%s) has an empty value", i, token.Name)
		}
		name := strings.TrimSpace(token.Name)
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		subject := &Subject{
			Name:        name,
			Permissions: append([]string(nil), token.Permissions...),
			Disabled:    token.Disabled,
		}
		subject.normalise()
		svc.entries = append(svc.entries, tokenEntry{digest: sha256.Sum256([]byte(value)), subject: subject})
	}
	if len(svc.entries) == 0 {
		return nil, fmt.Errorf("token mode requires at least one token")
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 验证 Authorization 头并返回对应的主体信息。
// 比较摘要而非原文，所有令牌都会参与比较。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}

	digest := sha256.Sum256([]byte(token))
	var matched *Subject
	for _, entry := range s.entries {
		if subtle.ConstantTimeCompare(digest[:], entry.digest[:]) == 1 && matched == nil {
			matched = entry.subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	if matched.Disabled {
		return nil, ErrSubjectRevoked
	}
	return matched.Clone(), nil
}
