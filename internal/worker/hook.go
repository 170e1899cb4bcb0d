package worker

import "runtime"

// LifecycleHook はスレッドごとの初期化と後始末
//
// Initialize はスレッド起動時に1回だけ呼ばれる。false を返すとスレッドは
// ExitInitFailed で終了し、Execute と Terminate は呼ばれない。
// Terminate は Initialize が成功したスレッドの終了時に1回だけ呼ばれる。
type LifecycleHook[C any] interface {
	Initialize(cfg C) bool
	Terminate(cfg C)
}

// DefaultHook は何もしないフック。埋め込んで既定の振る舞いとして使う
type DefaultHook[C any] struct{}

// Initialize は常に成功する
func (DefaultHook[C]) Initialize(C) bool { return true }

// Terminate は何もしない
func (DefaultHook[C]) Terminate(C) {}

// OSThreadHook はスレッドを OS スレッドに固定するフック
// スレッドローカルな状態を持つライブラリ（COM アパートメント相当）を扱う Worker に埋め込む
type OSThreadHook[C any] struct {
	tid int
}

// Initialize は呼び出したゴルーチンを現在の OS スレッドに固定する
func (h *OSThreadHook[C]) Initialize(C) bool {
	runtime.LockOSThread()
	h.tid = currentOSThreadID()
	return true
}

// Terminate は OS スレッドの固定を解除する
func (h *OSThreadHook[C]) Terminate(C) {
	runtime.UnlockOSThread()
}

// OSThreadID は Initialize で固定した OS スレッドの ID を返す
// 取得できないプラットフォームでは 0
func (h *OSThreadHook[C]) OSThreadID() int {
	return h.tid
}

// osThreadIDer は固定した OS スレッドの ID を報告できる Worker
type osThreadIDer interface {
	OSThreadID() int
}
