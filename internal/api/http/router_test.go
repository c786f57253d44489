// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"testing"

	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"

	"docflow/internal/api/http/middleware"
)

func TestRouter_UnknownRoute(t *testing.T) {
	g := newGateway(t, middleware.Config{})
	assert.Equal(t, 404, g.do("GET", "/api/documents", nil).Result().StatusCode())
}

func TestRouter_CORSPreflight(t *testing.T) {
	g := newGateway(t, middleware.Config{CORSEnable: true, AllowOrigins: []string{"http://localhost:3000"}})
	w := g.do("OPTIONS", "/select-file", nil, ut.Header{Key: "Origin", Value: "http://localhost:3000"})
	assert.Equal(t, 204, w.Result().StatusCode())
	assert.Equal(t, "http://localhost:3000", string(w.Result().Header.Peek("Access-Control-Allow-Origin")))

	w = g.do("GET", "/health", nil, ut.Header{Key: "Origin", Value: "http://evil.example"})
	assert.Equal(t, 200, w.Result().StatusCode())
	assert.Empty(t, w.Result().Header.Peek("Access-Control-Allow-Origin"))
}

func TestRouter_RateLimit(t *testing.T) {
	g := newGateway(t, middleware.Config{RateLimitRPS: 1})
	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		codes[g.do("GET", "/task-status/x", nil).Result().StatusCode()]++
	}
	assert.Equal(t, 2, codes[200], "burst is twice the rate")
	assert.Equal(t, 3, codes[429])
	// 健康检查不限流
	assert.Equal(t, 200, g.do("GET", "/health", nil).Result().StatusCode())
}
