// Package llm 提供模型能力：按配置创建 Ark / OpenAI 模型，并统一超时与错误分类。
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
)

var (
	// ErrModelUnavailable 表示模型调用失败（网络、鉴权、服务端错误等），调用方可整体重试。
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrModelTimeout 表示模型调用超时。
	ErrModelTimeout = errors.New("model timeout")
)

const (
	ProviderArk    = "ark"
	ProviderOpenAI = "openai"
)

type Config struct {
	Provider string        `mapstructure:"provider"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type ArkConfig struct {
	APIKey  string `mapstructure:"api_key"`
	ModelID string `mapstructure:"model_id"`
	BaseURL string `mapstructure:"base_url"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

// Settings 汇总创建模型所需的全部配置。
type Settings struct {
	Config
	Ark    ArkConfig
	OpenAI OpenAIConfig
}

// New 按 Provider 创建模型，并包上超时与错误分类。
func New(ctx context.Context, s Settings) (model.ToolCallingChatModel, error) {
	var (
		cm  model.ToolCallingChatModel
		err error
	)
	switch strings.ToLower(s.Provider) {
	case ProviderArk, "":
		cm, err = NewArkModel(ctx, s.Ark)
	case ProviderOpenAI:
		cm, err = NewOpenAIModel(s.OpenAI)
	default:
		return nil, fmt.Errorf("unknown llm provider %q (supported: ark, openai)", s.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewGuard(cm, s.Timeout), nil
}

// Classify 把底层错误归入 ErrModelTimeout / ErrModelUnavailable。
// 已分类的错误和调用方主动取消保持原样。
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrModelTimeout) || errors.Is(err, ErrModelUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrModelTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
