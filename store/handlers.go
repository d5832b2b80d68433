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

package store

import (
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/gin-gonic/gin"
	dbconf "github.com/kthomas/go-db-config"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/common"
	util "github.com/provideplatform/provide-go/common/util"
)

// InstallAPI registers the commitment store API handlers with gin
func InstallAPI(r *gin.Engine) {
	r.GET("/api/v1/stores", listStoresHandler)
	r.POST("/api/v1/stores", createStoreHandler)

	r.GET("/api/v1/stores/:id", storeDetailsHandler)
	r.GET("/api/v1/stores/:id/root", storeRootHandler)
	r.GET("/api/v1/stores/:id/state", storeStateHandler)
	r.GET("/api/v1/stores/:id/snapshots/:key", storeSnapshotHandler)
}

func resolveStore(c *gin.Context) *Store {
	storeID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("malformed store id", 400, c)
		return nil
	}

	store := Find(storeID)
	if store == nil {
		provide.RenderError("store not found", 404, c)
		return nil
	}
	return store
}

// list commitment stores
func listStoresHandler(c *gin.Context) {
	db := dbconf.DatabaseConnection()
	query := db.Select("stores.*").Order("stores.created_at")

	var stores []*Store
	provide.Paginate(c, query, &Store{}).Find(&stores)
	provide.Render(stores, 200, c)
}

// provision a commitment store
func createStoreHandler(c *gin.Context) {
	appID := util.AuthorizedSubjectID(c, "application")
	orgID := util.AuthorizedSubjectID(c, "organization")
	userID := util.AuthorizedSubjectID(c, "user")
	if appID == nil && orgID == nil && userID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	store := &Store{}
	err = json.Unmarshal(buf, store)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	if store.Create() {
		provide.Render(store, 201, c)
	} else {
		obj := map[string]interface{}{}
		obj["errors"] = store.Errors
		provide.Render(obj, 422, c)
	}
}

// fetch store details
func storeDetailsHandler(c *gin.Context) {
	store := resolveStore(c)
	if store == nil {
		return
	}
	provide.Render(store, 200, c)
}

// fetch the current commitment root
func storeRootHandler(c *gin.Context) {
	store := resolveStore(c)
	if store == nil {
		return
	}

	root, err := store.Root()
	if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}

	provide.Render(map[string]interface{}{
		"root":   root,
		"height": store.Height(),
		"length": store.Length(),
	}, 200, c)
}

// fetch an epoch-stamped state claim
func storeStateHandler(c *gin.Context) {
	store := resolveStore(c)
	if store == nil {
		return
	}

	epoch := uint64(0)
	if val := c.Query("epoch"); val != "" {
		parsed, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			provide.RenderError("malformed epoch", 400, c)
			return
		}
		epoch = parsed
	}

	state, err := store.StateAt(epoch)
	if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}
	provide.Render(state, 200, c)
}

// fetch the committed snapshot at the given hex-encoded key
func storeSnapshotHandler(c *gin.Context) {
	store := resolveStore(c)
	if store == nil {
		return
	}

	key, err := hex.DecodeString(c.Param("key"))
	if err != nil {
		provide.RenderError("malformed snapshot key", 400, c)
		return
	}

	val, err := store.Get(key)
	if err != nil {
		provide.RenderError("snapshot not found", 404, c)
		return
	}

	provide.Render(map[string]interface{}{
		"key":      c.Param("key"),
		"snapshot": string(val),
	}, 200, c)
}
