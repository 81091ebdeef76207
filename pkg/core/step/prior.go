package step

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	priorStatusSize = 4096
	// rollbackTimeout 失败后恢复原状态的期限，与步骤期限无关
	rollbackTimeout = 5 * time.Second
)

// priorStatus 按幂等键记录步骤首次执行前读到的原状态
// 同一步骤重试时沿用首次的值，写入已生效但返回失败时，逆操作仍恢复真正的原值
type priorStatus struct {
	cache *lru.Cache[string, string]
}

func newPriorStatus() *priorStatus {
	cache, err := lru.New[string, string](priorStatusSize)
	if err != nil {
		panic(err)
	}
	return &priorStatus{cache: cache}
}

// capture 返回 key 首次记录的原状态，没有记录时读取并登记
func (p *priorStatus) capture(key string, read func() (string, error)) (string, error) {
	if v, ok := p.cache.Get(key); ok {
		return v, nil
	}
	v, err := read()
	if err != nil {
		return "", err
	}
	p.cache.Add(key, v)
	return v, nil
}

// restore 步骤失败时把状态写回原值，返回的错误保留 cause 的分类
func restore(ctx context.Context, cause error, fn func(context.Context) error) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := fn(rctx); err != nil {
		return fmt.Errorf("%w（恢复原状态失败: %v）", cause, err)
	}
	return cause
}
