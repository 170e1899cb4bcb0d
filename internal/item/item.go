package item

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// ErrReleased は解放済みアイテムへのアクセス
var ErrReleased = errors.New("item already released")

// Item はプールに投入される追跡付きワークアイテム
// 所有者は Submit でプールへ、配送でスレッドへ移る。最後の所有者が Release する
type Item struct {
	ID       uint64
	Attempts int

	payload  *bytebufferpool.ByteBuffer
	arena    *Arena
	released atomic.Bool
}

// Payload はペイロードを返す。解放後は nil
func (it *Item) Payload() []byte {
	if it.released.Load() {
		return nil
	}
	return it.payload.B
}

// Checksum はペイロードの FNV-1a ハッシュを返す
func (it *Item) Checksum() (uint64, error) {
	if it.released.Load() {
		return 0, fmt.Errorf("item %d: %w", it.ID, ErrReleased)
	}
	h := fnv.New64a()
	_, _ = h.Write(it.payload.B)
	return h.Sum64(), nil
}

// Released は解放済みかどうかを返す
func (it *Item) Released() bool {
	return it.released.Load()
}

// Release はバッファをアリーナに返す
// 二重解放は所有権の規律違反なのでパニックする
func (it *Item) Release() {
	if !it.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("item %d: already released", it.ID))
	}
	it.arena.put(it)
}

// Arena はアイテムの貸し出しと返却を数える
type Arena struct {
	buffers bytebufferpool.Pool

	allocated atomic.Uint64
	released  atomic.Uint64

	// ID は呼び出し側が決めるので重複しうる。アイテムそのもので追跡する
	mu    sync.Mutex
	inUse map[*Item]struct{}
}

// NewArena は新しいアリーナを作成する
func NewArena() *Arena {
	return &Arena{inUse: make(map[*Item]struct{})}
}

// New はペイロードをコピーしたアイテムを貸し出す
func (a *Arena) New(id uint64, payload []byte) *Item {
	bb := a.buffers.Get()
	_, _ = bb.Write(payload)

	it := &Item{ID: id, payload: bb, arena: a}

	a.mu.Lock()
	a.inUse[it] = struct{}{}
	a.mu.Unlock()
	a.allocated.Add(1)

	return it
}

func (a *Arena) put(it *Item) {
	a.buffers.Put(it.payload)
	it.payload = nil

	a.mu.Lock()
	delete(a.inUse, it)
	a.mu.Unlock()
	a.released.Add(1)
}

// InUse は未解放のアイテム数を返す
func (a *Arena) InUse() uint64 {
	return a.allocated.Load() - a.released.Load()
}

// Allocated は貸し出した総数を返す
func (a *Arena) Allocated() uint64 {
	return a.allocated.Load()
}

// Released は返却された総数を返す
func (a *Arena) Released() uint64 {
	return a.released.Load()
}

// Leaked は未解放アイテムの ID を昇順で返す。同じ ID のアイテムはその数だけ並ぶ
func (a *Arena) Leaked() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]uint64, 0, len(a.inUse))
	for it := range a.inUse {
		ids = append(ids, it.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
