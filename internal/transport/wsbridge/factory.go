package wsbridge

import (
	"context"

	"github.com/lk2023060901/msgrelay-go/internal/transport"
	"github.com/lk2023060901/msgrelay-go/pkg/util/merr"
)

// Factory 为每个会话创建一条到桥接进程的连接。
type Factory struct {
	cfg Config
}

var _ transport.Factory = (*Factory)(nil)

// NewFactory 创建 Factory，cfg.URL 不能为空。
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.URL == "" {
		return nil, merr.WrapErrParameterMissing("transport.bridgeURL")
	}
	return &Factory{cfg: cfg.normalize()}, nil
}

// NewClient 返回尚未连接的客户端，调用方订阅事件后再调用 Connect。
func (f *Factory) NewClient(ctx context.Context, opts transport.ClientOptions) (transport.Client, error) {
	if opts.SessionID == "" {
		return nil, merr.WrapErrParameterMissing("sessionId")
	}
	return newClient(f.cfg, opts), nil
}
