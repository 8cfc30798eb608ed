// Package queue 实现严格 FIFO、单并发的投递队列。
//
// 同一时刻每个队列最多只有一个 drain 协程；排队中的操作按入队顺序逐个执行，
// 单个操作失败或 panic 只会拒绝它自己的 Outcome，不影响后续操作。
package queue

import (
	"context"
	"fmt"
	"sync"

	"hardaltrack/internal/logger"
)

// Operation 一个排队执行的操作
type Operation[R any] func(ctx context.Context) (R, error)

// Outcome 操作结果句柄
type Outcome[R any] struct {
	done chan struct{}
	val  R
	err  error
}

func newOutcome[R any]() *Outcome[R] {
	return &Outcome[R]{done: make(chan struct{})}
}

// Resolved 直接返回一个已成功的结果
func Resolved[R any](v R) *Outcome[R] {
	o := newOutcome[R]()
	o.settle(v, nil)
	return o
}

// Rejected 直接返回一个已失败的结果
func Rejected[R any](err error) *Outcome[R] {
	o := newOutcome[R]()
	var zero R
	o.settle(zero, err)
	return o
}

func (o *Outcome[R]) settle(v R, err error) {
	o.val, o.err = v, err
	close(o.done)
}

// Done 结果确定后关闭
func (o *Outcome[R]) Done() <-chan struct{} { return o.done }

// Wait 等待结果；ctx 结束只影响等待方，不取消操作本身
func (o *Outcome[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-o.done:
		return o.val, o.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

type item[R any] struct {
	op  Operation[R]
	out *Outcome[R]
}

// Queue 投递队列
type Queue[R any] struct {
	mu       sync.Mutex
	items    []item[R]
	draining bool
	idle     chan struct{}
	log      logger.Logger
}

// New 创建队列
func New[R any](l logger.Logger) *Queue[R] {
	if l == nil {
		l = logger.NewNop()
	}
	return &Queue[R]{log: l}
}

// Enqueue 追加操作，必要时启动 drain 协程
func (q *Queue[R]) Enqueue(op Operation[R]) *Outcome[R] {
	out := newOutcome[R]()
	q.mu.Lock()
	q.items = append(q.items, item[R]{op: op, out: out})
	if !q.draining {
		q.draining = true
		q.idle = make(chan struct{})
		go q.drain()
	}
	q.mu.Unlock()
	return out
}

// Len 尚未开始执行的操作数
func (q *Queue[R]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wait 等待队列排空
func (q *Queue[R]) Wait(ctx context.Context) error {
	q.mu.Lock()
	if !q.draining {
		q.mu.Unlock()
		return nil
	}
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue[R]) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items[0] = item[R]{}
		q.items = q.items[1:]
		q.mu.Unlock()

		v, err := q.run(it.op)
		if err != nil {
			q.log.Debug("队列操作失败", "error", err.Error())
		}
		it.out.settle(v, err)
	}
}

func (q *Queue[R]) run(op Operation[R]) (v R, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("队列操作 panic", "panic", fmt.Sprint(r))
			var zero R
			v, err = zero, fmt.Errorf("queue: operation panicked: %v", r)
		}
	}()
	return op(context.Background())
}
