/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Package async holds the cancellation handle shared by the token provider
// and the call client.
package async

import (
	"context"
	"sync"
	"sync/atomic"
)

// CancelHandle cancels an in-flight asynchronous operation. Cancel is
// idempotent and safe to call after the operation has completed.
type CancelHandle interface {
	Cancel()
}

// Handle is a CancelHandle backed by a context
type Handle struct {
	once      sync.Once
	cancelled atomic.Bool
	cancel    context.CancelFunc
}

// NewHandle derives a cancellable context from parent and returns it with
// its handle
func NewHandle(parent context.Context) (context.Context, *Handle) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, &Handle{cancel: cancel}
}

// Cancel marks the handle cancelled and cancels its context
func (h *Handle) Cancel() {
	h.once.Do(func() {
		h.cancelled.Store(true)
		h.cancel()
	})
}

// Cancelled reports whether Cancel has been called
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// Release frees the context once the operation is done without marking
// the handle cancelled
func (h *Handle) Release() {
	h.cancel()
}
