package worker

import "sync"

// Executor は配送されたワークアイテムを処理する
//
// Execute の呼び出し時点でアイテムの所有権は Executor にある。
// 処理が終わったら解放し、続きがあるなら再投入する。どちらか一方を1回だけ行う。
type Executor[T, C any] interface {
	Execute(item T, cfg C, aux any)
}

// ExecutorFunc は関数を Executor として使うためのアダプタ
type ExecutorFunc[T, C any] func(item T, cfg C, aux any)

// Execute は f(item, cfg, aux) を呼ぶ
func (f ExecutorFunc[T, C]) Execute(item T, cfg C, aux any) {
	f(item, cfg, aux)
}

// Worker はスレッドごとに1つ作られる、フックと Executor の組
type Worker[T, C any] interface {
	LifecycleHook[C]
	Executor[T, C]
}

type composed[T, C any] struct {
	LifecycleHook[C]
	Executor[T, C]
}

// OSThreadID はフックが OS スレッドを固定していればその ID を返す
func (c composed[T, C]) OSThreadID() int {
	if h, ok := c.LifecycleHook.(osThreadIDer); ok {
		return h.OSThreadID()
	}
	return 0
}

// Compose はフックと Executor を組み合わせて Worker にする
// hook が nil なら DefaultHook を使う
func Compose[T, C any](hook LifecycleHook[C], exec Executor[T, C]) Worker[T, C] {
	if hook == nil {
		hook = DefaultHook[C]{}
	}
	return composed[T, C]{LifecycleHook: hook, Executor: exec}
}

// Request は引数を束縛済みの呼び出し
// Invoke は何度呼ばれても中身を1回だけ実行する
type Request struct {
	once sync.Once
	call func()
}

// NewRequest は引数なしの関数から Request を作る
func NewRequest(call func()) *Request {
	return &Request{call: call}
}

// Bind は1引数の関数と引数を束縛する
func Bind[A any](f func(A), a A) *Request {
	return NewRequest(func() { f(a) })
}

// Bind2 は2引数の関数と引数を束縛する
func Bind2[A, B any](f func(A, B), a A, b B) *Request {
	return NewRequest(func() { f(a, b) })
}

// Invoke は束縛した呼び出しを実行する。この呼び出しで実行した場合 true
func (r *Request) Invoke() bool {
	ran := false
	r.once.Do(func() {
		ran = true
		if r.call != nil {
			r.call()
		}
	})
	return ran
}

// FuncExecutor は Request を実行して完了とする Executor
type FuncExecutor[C any] struct{}

// Execute は req.Invoke を呼ぶ
func (FuncExecutor[C]) Execute(req *Request, _ C, _ any) {
	req.Invoke()
}

// NewFuncWorker は DefaultHook と FuncExecutor の Worker を返す
func NewFuncWorker[C any]() Worker[*Request, C] {
	return Compose[*Request, C](DefaultHook[C]{}, FuncExecutor[C]{})
}

// NewOSThreadFuncWorker は OSThreadHook と FuncExecutor の Worker を返す
func NewOSThreadFuncWorker[C any]() Worker[*Request, C] {
	return Compose[*Request, C](&OSThreadHook[C]{}, FuncExecutor[C]{})
}
