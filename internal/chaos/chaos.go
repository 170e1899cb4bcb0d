package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"dispatchpool/internal/events"
	"dispatchpool/internal/logger"
)

// ErrInjectedWaitFailure は注入する待機失敗
var ErrInjectedWaitFailure = errors.New("injected wait failure")

// AttackType は障害の種類を表す
type AttackType int

const (
	// AttackWaitFailure は1スレッドの待機を失敗させる
	AttackWaitFailure AttackType = iota
	// AttackCancelShutdown はシャットダウン要求を出してすぐ取り消す
	AttackCancelShutdown
)

func (a AttackType) String() string {
	switch a {
	case AttackWaitFailure:
		return "wait_failure"
	case AttackCancelShutdown:
		return "cancel_shutdown"
	default:
		return "unknown"
	}
}

// Target は障害を注入するプール
type Target interface {
	Name() string
	Live() int
	FailWait(err error) error
	Shutdown(ctx context.Context, n int) (int, error)
	CancelShutdown() bool
}

// Config は Monkey の設定
type Config struct {
	Interval    time.Duration // 攻撃間隔
	AttackTypes []AttackType  // 有効な攻撃タイプ
	MinLive     int           // 攻撃してよい最小の稼働スレッド数
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Interval:    500 * time.Millisecond,
		AttackTypes: []AttackType{AttackWaitFailure, AttackCancelShutdown},
		MinLive:     1,
	}
}

// Stats は攻撃の統計情報
type Stats struct {
	TotalAttacks uint64            `json:"total_attacks"`
	ByType       map[string]uint64 `json:"attacks_by_type"`
	ThreadsLost  uint64            `json:"threads_lost"`
	Skipped      uint64            `json:"skipped"`
}

// Monkey はプールに障害を注入する
type Monkey struct {
	config   Config
	target   Target
	eventBus *events.Bus
	log      *logger.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// 攻撃は1つずつ行う。MinLive の判定と攻撃の間に他の攻撃を挟まない
	strikeMu sync.Mutex

	mu           sync.RWMutex
	attackCount  uint64
	attackByType map[AttackType]uint64
	threadsLost  uint64
	skipped      uint64
	lastAttack   time.Time
}

// New は新しい Monkey を作成する
func New(target Target, config Config) *Monkey {
	if config.MinLive < 1 {
		config.MinLive = 1
	}
	return &Monkey{
		config:       config,
		target:       target,
		log:          logger.Default,
		attackByType: make(map[AttackType]uint64),
	}
}

// SetEventBus はイベントバスを設定する
func (m *Monkey) SetEventBus(bus *events.Bus) {
	m.eventBus = bus
}

// SetLogger はロガーを設定する
func (m *Monkey) SetLogger(l *logger.Logger) {
	m.log = l
}

func (m *Monkey) publishEvent(event events.Event) {
	if m.eventBus != nil {
		m.eventBus.Publish(event)
	}
}

// Start は定期的な障害注入を開始する
func (m *Monkey) Start(ctx context.Context) {
	if m.running.Swap(true) {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.attackLoop(ctx)

	m.log.Info("", "ChaosMonkey started (interval: %v, min live: %d)",
		m.config.Interval, m.config.MinLive)
}

// Stop は障害注入を止め、進行中の攻撃が終わるまで待つ
func (m *Monkey) Stop() {
	if !m.running.Swap(false) {
		return
	}

	m.cancel()
	m.wg.Wait()

	m.log.Info("", "ChaosMonkey stopped (total attacks: %d)", m.AttackCount())
}

func (m *Monkey) attackLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Strike(ctx, m.selectAttackType()); err != nil {
				if ctx.Err() == nil {
					m.log.Warn("", "ChaosMonkey: attack failed: %v", err)
				}
				return
			}
		}
	}
}

func (m *Monkey) selectAttackType() AttackType {
	if len(m.config.AttackTypes) == 0 {
		return AttackWaitFailure
	}
	return m.config.AttackTypes[rand.Intn(len(m.config.AttackTypes))]
}

// Strike は攻撃を1回行う。稼働スレッドが MinLive 以下なら何もせず false を返す
func (m *Monkey) Strike(ctx context.Context, attack AttackType) (bool, error) {
	m.strikeMu.Lock()
	defer m.strikeMu.Unlock()

	if m.target.Live() <= m.config.MinLive {
		m.mu.Lock()
		m.skipped++
		m.mu.Unlock()
		return false, nil
	}

	var (
		lost int
		err  error
	)
	switch attack {
	case AttackWaitFailure:
		lost, err = m.waitFailure(ctx)
	case AttackCancelShutdown:
		lost, err = m.cancelShutdown(ctx)
	default:
		return false, fmt.Errorf("unknown attack type: %d", attack)
	}
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	m.attackCount++
	m.attackByType[attack]++
	m.threadsLost += uint64(lost)
	m.lastAttack = time.Now()
	m.mu.Unlock()

	m.publishEvent(events.NewChaosAttackEvent(m.target.Name(), attack.String()))
	return true, nil
}

// waitFailure は待機失敗を1つ注入し、スレッドが抜けるまで待つ
func (m *Monkey) waitFailure(ctx context.Context) (int, error) {
	before := m.target.Live()
	if err := m.target.FailWait(ErrInjectedWaitFailure); err != nil {
		return 0, err
	}
	m.log.Warn("", "ChaosMonkey: injected wait failure into %s", m.target.Name())

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for m.target.Live() >= before {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return 1, nil
}

// cancelShutdown はシャットダウン要求を出し、要求が出た直後に取り消す
// 取り消しより先にスレッドがセンチネルを受け取れば、そのスレッドは止まる
func (m *Monkey) cancelShutdown(ctx context.Context) (int, error) {
	type outcome struct {
		removed int
		err     error
	}
	res := make(chan outcome, 1)
	go func() {
		removed, err := m.target.Shutdown(ctx, 1)
		res <- outcome{removed, err}
	}()

	var out outcome
race:
	for {
		select {
		case out = <-res:
			break race
		default:
		}
		if m.target.CancelShutdown() {
			out = <-res
			break race
		}
		runtime.Gosched()
	}

	if out.err != nil {
		// 放棄したセンチネルで後からスレッドが止まらないようにする
		m.target.CancelShutdown()
		return 0, out.err
	}
	if out.removed > 0 {
		m.log.Warn("", "ChaosMonkey: shutdown won the race, %d threads left in %s",
			m.target.Live(), m.target.Name())
	}
	return out.removed, nil
}

// InjectWaitFailures は待機失敗を最大 n 回注入し、注入した数を返す
func (m *Monkey) InjectWaitFailures(ctx context.Context, n int) (int, error) {
	return m.repeat(ctx, AttackWaitFailure, n)
}

// CancelShutdowns は取り消しつきのシャットダウン要求を最大 n 回行い、行った数を返す
func (m *Monkey) CancelShutdowns(ctx context.Context, n int) (int, error) {
	return m.repeat(ctx, AttackCancelShutdown, n)
}

func (m *Monkey) repeat(ctx context.Context, attack AttackType, n int) (int, error) {
	done := 0
	for range n {
		ok, err := m.Strike(ctx, attack)
		if err != nil {
			return done, err
		}
		if !ok {
			break
		}
		done++
	}
	return done, nil
}

// IsRunning は実行中かどうかを返す
func (m *Monkey) IsRunning() bool {
	return m.running.Load()
}

// AttackCount は攻撃回数を返す
func (m *Monkey) AttackCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attackCount
}

// LastAttack は最後に攻撃した時刻を返す
func (m *Monkey) LastAttack() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastAttack
}

// Stats は攻撃統計を返す
func (m *Monkey) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byType := make(map[string]uint64)
	for t, count := range m.attackByType {
		byType[t.String()] = count
	}

	return Stats{
		TotalAttacks: m.attackCount,
		ByType:       byType,
		ThreadsLost:  m.threadsLost,
		Skipped:      m.skipped,
	}
}
