package queue

import (
	"context"
	"errors"
	"math"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrClosed はクローズ済みのキューに対する操作で返される
var ErrClosed = errors.New("queue closed")

// ErrOpen はクローズ前に Drain を呼んだ場合に返される
var ErrOpen = errors.New("queue is still open")

// Kind はメッセージの種別
type Kind uint8

const (
	// KindWork は通常のワークアイテム
	KindWork Kind = iota
	// KindShutdown はシャットダウン要求（センチネル）
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindWork:
		return "work"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Message はキューを流れる値。Kind が KindShutdown の場合 Item は使わない
type Message[T any] struct {
	Kind Kind
	Item T
	Aux  any
}

// Work はワークアイテムのメッセージを作る
func Work[T any](item T, aux any) Message[T] {
	return Message[T]{Kind: KindWork, Item: item, Aux: aux}
}

// Shutdown はシャットダウン要求のメッセージを作る
func Shutdown[T any]() Message[T] {
	return Message[T]{Kind: KindShutdown}
}

// permits の上限。初期化時に全量を取得しておき、Release(1) で1件分の配信権を作る
const maxPermits = math.MaxInt64

// Queue は上限なしのブロッキング MPMC キュー
//
// 配信可能なエントリ数（アイテム + 注入された障害）を semaphore の空き量で表す。
// Dequeue は1 permit を取得してから1エントリを取り出すので、各エントリを受け取るのは
// ちょうど1回の Dequeue だけになる。
type Queue[T any] struct {
	mu     sync.Mutex
	items  []Message[T]
	head   int
	faults []error
	closed bool

	permits *semaphore.Weighted
	done    context.Context
	cancel  context.CancelFunc
}

// New は空のキューを作成する
func New[T any]() *Queue[T] {
	permits := semaphore.NewWeighted(maxPermits)
	// 空き 0 から開始する。作りたてのセマフォなので必ず取れる
	if !permits.TryAcquire(maxPermits) {
		panic("queue: new semaphore has no free permits")
	}

	done, cancel := context.WithCancel(context.Background())
	return &Queue[T]{
		permits: permits,
		done:    done,
		cancel:  cancel,
	}
}

// Enqueue はメッセージを追加する。ブロックしない
func (q *Queue[T]) Enqueue(msg Message[T]) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	q.permits.Release(1)
	return nil
}

// Dequeue はエントリが届くか待機が失敗するまでブロックする
//
// 失敗時は ErrClosed、ctx のエラー、または Fail で注入されたエラーを返す。
// 失敗時の Message はゼロ値で、センチネルとの比較に使ってはならない。
func (q *Queue[T]) Dequeue(ctx context.Context) (Message[T], error) {
	var zero Message[T]

	if q.done.Err() != nil {
		return zero, ErrClosed
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(q.done, cancel)
	defer stop()

	if err := q.permits.Acquire(waitCtx, 1); err != nil {
		if q.done.Err() != nil {
			return zero, ErrClosed
		}
		return zero, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.faults) > 0 {
		err := q.faults[0]
		q.faults = q.faults[1:]
		return zero, err
	}

	if q.closed {
		// 取得した permit は戻し、エントリは Drain に残す
		q.permits.Release(1)
		return zero, ErrClosed
	}

	msg := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return msg, nil
}

// Fail は次にエントリを受け取る Dequeue 1回を err で失敗させる
// 待機中の Dequeue があればそれを起こす
func (q *Queue[T]) Fail(err error) error {
	if err == nil {
		return errors.New("queue: nil fault")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.faults = append(q.faults, err)
	q.mu.Unlock()

	q.permits.Release(1)
	return nil
}

// Len は未配信のエントリ数を返す（障害は含まない）
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close はキューを無効化する。待機中と以降の Dequeue はすべて ErrClosed で失敗する
// 未配信のエントリは Drain で回収できる
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.closed = true
	q.faults = nil
	q.mu.Unlock()

	q.cancel()
	return nil
}

// Closed はクローズ済みかどうかを返す
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drain はクローズ後に残っていたエントリを返し、キューを空にする
func (q *Queue[T]) Drain() ([]Message[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		return nil, ErrOpen
	}

	pending := make([]Message[T], len(q.items)-q.head)
	copy(pending, q.items[q.head:])
	q.items = nil
	q.head = 0
	return pending, nil
}
