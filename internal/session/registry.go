package session

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/lk2023060901/msgrelay-go/pkg/metrics"
	"github.com/lk2023060901/msgrelay-go/pkg/util/merr"
	"github.com/lk2023060901/msgrelay-go/pkg/util/typeutil"
)

// Registry 是进程内唯一的会话表，以会话 ID 为键。
//
// 特性：
//   - 使用读写锁保证并发安全；
//   - Put 在遇到重复 ID 时返回错误，避免覆盖旧会话；
//   - Range/List 在遍历前复制一份快照，避免在持锁情况下执行回调；
//   - Close 之后不再接受新的会话。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byOwner  map[string]typeutil.Set[string]
	nextSeq  uint64
	closed   bool
}

// NewRegistry 创建一个空的 Registry。
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byOwner:  make(map[string]typeutil.Set[string]),
	}
}

// Put 注册一条会话。
func (r *Registry) Put(sess *Session) error {
	if sess == nil {
		return merr.WrapErrParameterMissing("session")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return merr.WrapErrServiceClosed("session registry")
	}
	if _, exists := r.sessions[sess.id]; exists {
		return merr.WrapErrSessionExists(sess.id)
	}
	r.nextSeq++
	sess.seq = r.nextSeq
	r.sessions[sess.id] = sess
	ids, ok := r.byOwner[sess.owner]
	if !ok {
		ids = typeutil.NewSet[string]()
		r.byOwner[sess.owner] = ids
	}
	ids.Insert(sess.id)
	return nil
}

// Get 按 ID 查找会话。
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, merr.WrapErrSessionNotFound(id)
	}
	return sess, nil
}

// GetOwned 按 ID 查找会话并校验归属。
func (r *Registry) GetOwned(id, owner string) (*Session, error) {
	sess, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if !sess.OwnedBy(owner) {
		return nil, merr.WrapErrSessionNotOwned(id, owner)
	}
	return sess, nil
}

// Remove 从表中移除会话并返回它。
func (r *Registry) Remove(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, merr.WrapErrSessionNotFound(id)
	}
	delete(r.sessions, id)
	if ids, ok := r.byOwner[sess.owner]; ok {
		ids.Remove(id)
		if ids.Len() == 0 {
			delete(r.byOwner, sess.owner)
		}
	}
	return sess, nil
}

// Contains 判断 sess 是否仍是表中 ID 对应的那条记录。
func (r *Registry) Contains(sess *Session) bool {
	if sess == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sess.id] == sess
}

// List 返回属于 owner 的全部会话快照，按注册顺序排列。
func (r *Registry) List(owner string) []Info {
	r.mu.RLock()
	owned := lo.FilterMap(r.byOwner[owner].Collect(), func(id string, _ int) (*Session, bool) {
		sess, ok := r.sessions[id]
		return sess, ok
	})
	r.mu.RUnlock()

	sortBySeq(owned)
	return lo.Map(owned, func(sess *Session, _ int) Info {
		return sess.Snapshot()
	})
}

// Range 遍历所有会话，fn 返回 false 时停止。
func (r *Registry) Range(fn func(sess *Session) bool) {
	if fn == nil {
		return
	}
	for _, sess := range r.snapshot() {
		if !fn(sess) {
			return
		}
	}
}

// Owners 返回当前持有会话的号码数量。
func (r *Registry) Owners() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byOwner)
}

// Count 返回当前会话数量。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountByState 按连接状态统计会话数量。
func (r *Registry) CountByState() map[ConnectionState]int {
	counts := lo.CountValuesBy(r.snapshot(), func(sess *Session) ConnectionState {
		return sess.State()
	})
	for _, state := range States() {
		if _, ok := counts[state]; !ok {
			counts[state] = 0
		}
	}
	return counts
}

// ReportMetrics 将按状态统计的会话数量写入 metrics.SessionNum。
func (r *Registry) ReportMetrics() {
	for state, n := range r.CountByState() {
		metrics.SessionNum.WithLabelValues(state.String()).Set(float64(n))
	}
}

// Close 关闭注册表，清空并返回所有已注册会话，调用方负责逐个关闭。
func (r *Registry) Close() []*Session {
	r.mu.Lock()
	r.closed = true
	all := lo.Values(r.sessions)
	r.sessions = make(map[string]*Session)
	r.byOwner = make(map[string]typeutil.Set[string])
	r.mu.Unlock()

	sortBySeq(all)
	return all
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	all := lo.Values(r.sessions)
	r.mu.RUnlock()

	sortBySeq(all)
	return all
}

func sortBySeq(all []*Session) {
	sort.Slice(all, func(i, j int) bool {
		return all[i].seq < all[j].seq
	})
}
