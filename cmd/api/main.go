/*
 * Copyright 2024-2026 Avellum
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	redisutil "github.com/kthomas/go-redisutil"

	"github.com/avellum/ledger/common"
	"github.com/avellum/ledger/ledger"
	"github.com/avellum/ledger/store"
)

const runloopSleepInterval = 250 * time.Millisecond
const runloopTickInterval = 5000 * time.Millisecond

var (
	cancelF     context.CancelFunc
	closing     uint32
	shutdownCtx context.Context
	sigs        chan os.Signal

	srv *http.Server
)

func main() {
	common.Log.Debugf("starting avellum ledger API...")
	installSignalHandlers()

	if common.DistributedLockingEnabled {
		redisutil.RequireRedis()
	}

	runAPI()

	timer := time.NewTicker(runloopTickInterval)
	defer timer.Stop()

	for !shuttingDown() {
		select {
		case <-timer.C:
			// tick... no-op
		case sig := <-sigs:
			common.Log.Debugf("received signal: %s", sig)
			srv.Shutdown(shutdownCtx)
			shutdown()
		case <-shutdownCtx.Done():
			close(sigs)
		default:
			time.Sleep(runloopSleepInterval)
		}
	}

	common.Log.Debug("exiting avellum ledger API")
	cancelF()
}

func installSignalHandlers() {
	common.Log.Debug("installing signal handlers for avellum ledger API")
	sigs = make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	shutdownCtx, cancelF = context.WithCancel(context.Background())
}

func shutdown() {
	if atomic.CompareAndSwapUint32(&closing, 0, 1) {
		common.Log.Debug("shutting down avellum ledger API")
		cancelF()
	}
}

func shuttingDown() bool {
	return atomic.LoadUint32(&closing) > 0
}

func runAPI() {
	r := gin.New()
	r.Use(gin.Recovery())

	ledger.InstallAPI(r)
	store.InstallAPI(r)

	r.GET("/status", statusHandler)

	srv = &http.Server{
		Addr:    common.ListenAddr,
		Handler: r,
	}

	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			common.Log.Panicf("failed to serve avellum ledger API; %s", err.Error())
		}
	}()

	common.Log.Debugf("listening on %s", common.ListenAddr)
}

func statusHandler(c *gin.Context) {
	c.JSON(200, nil)
}
