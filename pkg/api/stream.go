// Copyright 2025 UMH Systems GmbH
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

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/apphost/pkg/events"
)

// streamEvents writes every transition published after the request arrived,
// one JSON object per line, until the client goes away. ?resource= filters
// by name and ?buffer= bounds the per-client queue (oldest events are dropped).
func (s *Server) streamEvents(c *gin.Context) {
	buffer, err := parseBuffer(c)
	if err != nil || buffer < 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "buffer must be a non-negative integer"})

		return
	}

	opts := []events.SubscribeOption{events.WithLabel("api:" + c.ClientIP())}

	if name := c.Query("resource"); name != "" {
		opts = append(opts, events.WithResourceFilter(name))
	}

	if buffer > 0 {
		opts = append(opts, events.WithMaxBuffered(buffer))
	}

	sub := s.host.Events().Subscribe(opts...)
	defer sub.Cancel()

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	enc := json.NewEncoder(c.Writer)
	ctx := c.Request.Context()

	s.logger.Debugw("event_stream_opened", "client", c.ClientIP(), "resource", c.Query("resource"))

	for ev := range sub.All(ctx) {
		if err := enc.Encode(ev); err != nil {
			s.logger.Debugw("event_stream_closed", "client", c.ClientIP(), "error", err)

			return
		}

		c.Writer.Flush()
	}
}
