// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conc

import (
	ants "github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"

	"github.com/lk2023060901/msgrelay-go/pkg/util/merr"
)

// Pool 是基于 ants 的协程池封装，任务以 Future 形式返回结果。
type Pool[T any] struct {
	inner  *ants.Pool
	opt    *poolOption
	closed atomic.Bool
}

// NewPool 创建一个容量为 cap 的协程池，cap <= 0 表示不限制容量。
func NewPool[T any](cap int, opts ...PoolOption) *Pool[T] {
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	if cap <= 0 {
		cap = -1
	}
	pool, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		panic(err)
	}

	return &Pool[T]{
		inner: pool,
		opt:   opt,
	}
}

// Submit 提交一个任务；提交失败时返回的 Future 立即完成并携带错误。
func (pool *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	future, _ := pool.TrySubmit(method)
	return future
}

// TrySubmit 提交一个任务，并同步返回提交阶段的错误。
//
// 协程池已满（非阻塞模式）或已释放时返回 merr.ErrServiceTooManyRequests / merr.ErrServiceClosed。
func (pool *Pool[T]) TrySubmit(method func() (T, error)) (*Future[T], error) {
	future := newFuture[T]()
	if pool.closed.Load() {
		future.err = merr.WrapErrServiceClosed("pool")
		close(future.ch)
		return future, future.err
	}

	err := pool.inner.Submit(func() {
		defer close(future.ch)
		if pool.opt.preHandler != nil {
			pool.opt.preHandler()
		}
		res, err := method()
		if err != nil {
			future.err = err
		} else {
			future.value = res
		}
	})
	if err != nil {
		switch err {
		case ants.ErrPoolOverload:
			future.err = merr.WrapErrTooManyRequests(int32(pool.Cap()), err.Error())
		case ants.ErrPoolClosed:
			future.err = merr.WrapErrServiceClosed("pool", err.Error())
		default:
			future.err = err
		}
		close(future.ch)
		return future, future.err
	}

	return future, nil
}

// Cap 返回协程池容量。
func (pool *Pool[T]) Cap() int {
	return pool.inner.Cap()
}

// Running 返回正在运行的 worker 数量。
func (pool *Pool[T]) Running() int {
	return pool.inner.Running()
}

// Free 返回空闲容量。
func (pool *Pool[T]) Free() int {
	return pool.inner.Free()
}

// Release 释放协程池，之后提交的任务均会失败。
func (pool *Pool[T]) Release() {
	if pool.closed.CompareAndSwap(false, true) {
		pool.inner.Release()
	}
}
