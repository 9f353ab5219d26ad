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

package async

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandle_CancelIsIdempotent(t *testing.T) {
	ctx, h := NewHandle(context.Background())

	assert.False(t, h.Cancelled())
	h.Cancel()
	h.Cancel()

	assert.True(t, h.Cancelled())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestHandle_ReleaseDoesNotMarkCancelled(t *testing.T) {
	ctx, h := NewHandle(context.Background())

	h.Release()

	assert.False(t, h.Cancelled())
	assert.Error(t, ctx.Err())

	// Cancel after release is still safe
	h.Cancel()
	assert.True(t, h.Cancelled())
}

func TestHandle_ParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, h := NewHandle(parent)

	cancel()

	assert.Error(t, ctx.Err())
	assert.False(t, h.Cancelled())
}
