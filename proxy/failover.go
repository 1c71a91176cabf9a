package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"thebalance/keypool"
	"thebalance/utils"

	"github.com/sirupsen/logrus"
)

// 转发引擎对外暴露的终态错误，由 handler 映射为 HTTP 状态码。
var (
	ErrNoCandidates     = errors.New("no healthy keys available")          // 503：没有可用候选
	ErrAllKeysFailed    = errors.New("all candidate keys failed")          // 503：候选全部失败
	ErrDeadlineExceeded = errors.New("overall request deadline exceeded")  // 504：总截止已到
	ErrUpstreamFatal    = errors.New("unrecoverable upstream response")    // 502：不可恢复的上游响应
)

// maxErrorBodyBytes 读取错误响应体的上限，分类只需要摘录。
const maxErrorBodyBytes = 64 * 1024

// Options 转发引擎的运行参数，构造时从配置取走。
type Options struct {
	OverallTimeout    time.Duration // 单个客户端请求的总时限
	TargetTimeout     time.Duration // 单次上游尝试的时限
	MaxSameKeyRetries int           // 瞬时错误时同一密钥的原地重试上限
	Upstream          UpstreamConfig
}

// Engine 是转发的核心状态机：在总截止内按健康度顺序尝试候选密钥，
// 对每次结果分类并驱动状态变更，返回第一个成功的上游响应或终态失败。
type Engine struct {
	cache      *keypool.MainCache
	cooldowns  *keypool.CooldownCache
	updater    *keypool.StateUpdater
	classifier *Classifier
	client     *http.Client
	opts       Options
	log        *logrus.Logger
}

// NewEngine 创建转发引擎。
func NewEngine(
	cache *keypool.MainCache,
	cooldowns *keypool.CooldownCache,
	updater *keypool.StateUpdater,
	classifier *Classifier,
	client *http.Client,
	opts Options,
	log *logrus.Logger,
) *Engine {
	if opts.OverallTimeout <= 0 {
		opts.OverallTimeout = 25 * time.Second
	}
	if opts.TargetTimeout <= 0 {
		opts.TargetTimeout = 10 * time.Second
	}
	if opts.TargetTimeout > opts.OverallTimeout {
		log.Warnf("转发引擎: TargetTimeout (%v) 大于 OverallTimeout (%v)，任何尝试都无法启动，请检查配置。",
			opts.TargetTimeout, opts.OverallTimeout)
	}
	if opts.MaxSameKeyRetries < 0 {
		opts.MaxSameKeyRetries = 0
	}
	return &Engine{
		cache:      cache,
		cooldowns:  cooldowns,
		updater:    updater,
		classifier: classifier,
		client:     client,
		opts:       opts,
		log:        log,
	}
}

// cancelOnClose 包装上游响应体：客户端读完并 Close 后释放尝试与总上下文，
// 归还上游连接。成功返回后流的存活期仍受尝试截止约束。
type cancelOnClose struct {
	rc      io.ReadCloser
	cancels []context.CancelFunc
	once    sync.Once
}

func (b *cancelOnClose) Read(p []byte) (int, error) { return b.rc.Read(p) }

func (b *cancelOnClose) Close() error {
	err := b.rc.Close()
	b.once.Do(func() {
		for _, cancel := range b.cancels {
			cancel()
		}
	})
	return err
}

// Forward 执行一次完整的转发：
//
//	获取总截止 -> 主缓存取排序候选 -> 惩罚区/模型冷却过滤 ->
//	逐个候选发起带嵌套截止的尝试 -> 按分类结果返回、原地重试或换下一个密钥。
//
// 同一密钥在一次请求中至多被尝试 1+MaxSameKeyRetries 次（仅限瞬时错误）。
// 任何注定无法在总截止前完成的尝试都不会启动。
func (e *Engine) Forward(
	ctx context.Context,
	provider string,
	model string,
	restResource string,
	method string,
	inbound http.Header,
	body []byte,
) (*http.Response, error) {
	overallCtx, cancelOverall := context.WithTimeout(ctx, e.opts.OverallTimeout)
	deadline, _ := overallCtx.Deadline()

	handedOff := false // 响应体交给客户端后由 cancelOnClose 负责释放
	defer func() {
		if !handedOff {
			cancelOverall()
		}
	}()

	candidates, stale, err := e.cache.GetOrBuild(overallCtx, provider)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err // 客户端已断开，不再做任何事
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrDeadlineExceeded
		}
		return nil, fmt.Errorf("%w: %v", ErrNoCandidates, err)
	}
	if stale {
		e.log.Warnf("转发引擎: provider %s 使用陈旧候选快照（仓库暂不可用）。", provider)
	}

	now := time.Now()
	filtered := make([]*keypool.Candidate, 0, len(candidates))
	for _, cand := range candidates {
		if e.cooldowns.IsFlagged(cand.ID, model) {
			continue
		}
		if cand.OnCooldownFor(model, now) {
			continue
		}
		filtered = append(filtered, cand)
	}
	if len(filtered) == 0 {
		e.log.Warnf("转发引擎: provider %s 当前没有可用候选（共 %d 个密钥，全部被屏蔽或冷却中）。", provider, len(candidates))
		return nil, ErrNoCandidates
	}

candidateLoop:
	for _, cand := range filtered {
		suffix := utils.SafeSuffix(cand.Key)

		for try := 0; try <= e.opts.MaxSameKeyRetries; try++ {
			// 嵌套截止：尝试的截止是 now+TargetTimeout；越过总截止的尝试不启动。
			attemptStart := time.Now()
			attemptDeadline := attemptStart.Add(e.opts.TargetTimeout)
			if attemptDeadline.After(deadline) {
				e.log.Warnf("转发引擎: 剩余时间不足以完成下一次尝试 (密钥 %s)，返回 504。", suffix)
				return nil, ErrDeadlineExceeded
			}

			attemptCtx, cancelAttempt := context.WithDeadline(overallCtx, attemptDeadline)
			req, err := BuildUpstreamRequest(attemptCtx, e.opts.Upstream, method, restResource, inbound, body, provider, cand.Key)
			if err != nil {
				cancelAttempt()
				e.log.Errorf("转发引擎: 构造上游请求失败: %v", err)
				return nil, fmt.Errorf("%w: %v", ErrUpstreamFatal, err)
			}

			e.log.Debugf("转发引擎: 使用密钥 %s 发起尝试 (provider=%s, 第 %d 次)。", suffix, provider, try+1)
			resp, err := e.client.Do(req)
			latency := time.Since(attemptStart)

			if err != nil {
				cancelAttempt()
				if ctx.Err() == context.Canceled {
					e.log.Warnf("转发引擎: 客户端在上游调用期间断开 (密钥 %s)。", suffix)
					return nil, ctx.Err()
				}
				if overallCtx.Err() == context.DeadlineExceeded || ctx.Err() == context.DeadlineExceeded {
					e.log.Warnf("转发引擎: 总截止在上游调用期间到期 (密钥 %s)。", suffix)
					return nil, ErrDeadlineExceeded
				}
				// 尝试级超时或网络故障：瞬时，允许同一密钥再试。
				if outcome := e.classifier.ClassifyTransport(err); outcome.Kind == OutcomeTransientSameKey {
					e.updater.OnTransient(cand.ID)
				}
				e.log.Warnf("转发引擎: 密钥 %s 传输层失败 (%v)，耗时 %v。", suffix, err, latency.Round(time.Millisecond))
				continue
			}

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				e.updater.OnSuccess(cand.ID, latency)
				e.log.Infof("转发引擎: 密钥 %s 成功 (状态 %d, 耗时 %v)。", suffix, resp.StatusCode, latency.Round(time.Millisecond))
				handedOff = true
				resp.Body = &cancelOnClose{rc: resp.Body, cancels: []context.CancelFunc{cancelAttempt, cancelOverall}}
				return resp, nil
			}

			// 非 2xx：读取错误体摘录用于分类，随后该连接即可归还。
			excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			resp.Body.Close()
			cancelAttempt()

			outcome := e.classifier.Classify(provider, resp.StatusCode, resp.Header, excerpt)
			switch outcome.Kind {
			case OutcomeTransientSameKey:
				e.updater.OnTransient(cand.ID)
				e.log.Warnf("转发引擎: 密钥 %s 瞬时失败 (状态 %d)，剩余同密钥重试 %d 次。",
					suffix, resp.StatusCode, e.opts.MaxSameKeyRetries-try)
				continue

			case OutcomeKeyOnCooldown:
				e.updater.OnCooldown(cand.ID, suffix, model, outcome.Cooldown)
				continue candidateLoop

			case OutcomeKeyInvalid:
				e.updater.OnBlock(cand.ID, suffix, provider)
				continue candidateLoop

			case OutcomeClientError:
				// 客户端请求本身的问题，密钥不受罚，原样返回上游响应。
				e.log.Warnf("转发引擎: 上游返回客户端错误 (状态 %d)，原样透传。", resp.StatusCode)
				resp.Body = io.NopCloser(bytes.NewReader(excerpt))
				resp.ContentLength = int64(len(excerpt))
				return resp, nil

			default: // OutcomeFatal
				e.log.Errorf("转发引擎: 密钥 %s 收到不可恢复的上游响应 (状态 %d)。", suffix, resp.StatusCode)
				return nil, ErrUpstreamFatal
			}
		}
		// 同密钥重试用尽，换下一个候选。
	}

	e.log.Errorf("转发引擎: provider %s 的全部候选在本次请求中失败。", provider)
	return nil, ErrAllKeysFailed
}
