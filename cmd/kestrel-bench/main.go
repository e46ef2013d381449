// Copyright 2022 KestrelDB
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// kestrel-bench drives concurrent DDL through the collection catalog
// and reports throughput.  The catalog asserts locks instead of taking
// them, so the bench carries its own namespace mutex table standing in
// for the lock manager of a full server.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/kestreldb/kestrel/pkg/catalog"
	"github.com/kestreldb/kestrel/pkg/catalog/durable"
	"github.com/kestreldb/kestrel/pkg/common/kerr"
	"github.com/kestreldb/kestrel/pkg/logutil"
	"github.com/kestreldb/kestrel/pkg/txn"
)

var (
	configFile = flag.String("cfg", "", "toml configuration used to start kestrel-bench")
)

type bench struct {
	cfg   *BenchConfig
	cat   *catalog.Catalog
	clock *txn.Clock

	// One mutex per namespace and one per database's views, standing in
	// for collection X locks and the system.views X lock.
	nsMu   []sync.Mutex
	viewMu []sync.Mutex

	failed atomic.Int64
}

func main() {
	flag.Parse()

	cfg, err := parseConfigFromFile(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to parse config from %s, error: %s", *configFile, err.Error()))
	}
	logutil.SetupKestrelLogger(&cfg.Log)
	rand.Seed(time.Now().UnixNano())

	var opts []catalog.Option
	if cfg.Bench.ViewStorePath != "" {
		store, err := durable.Open(cfg.Bench.ViewStorePath)
		if err != nil {
			panic(err)
		}
		defer store.Close()
		opts = append(opts, catalog.WithViewStore(store))
	}

	b := &bench{
		cfg:    &cfg.Bench,
		cat:    catalog.NewCatalog(opts...),
		clock:  txn.NewClock(),
		nsMu:   make([]sync.Mutex, cfg.Bench.Databases*cfg.Bench.CollectionsPerDatabase),
		viewMu: make([]sync.Mutex, cfg.Bench.Databases),
	}

	ctx := context.Background()
	b.openDatabases(ctx)

	now := time.Now()
	b.run(ctx)
	elapsed := time.Since(now)

	stats := b.cat.Stats()
	logutil.Info("workload finished",
		zap.Int("ops", b.cfg.Ops),
		zap.Int64("failed", b.failed.Load()),
		zap.Duration("elapsed", elapsed),
		zap.Int("userCollections", stats.UserCollections),
		zap.Strings("databases", b.cat.AllDatabaseNames(ctx, nil)))

	b.dropAllBatched(ctx)
	logutil.Info("batched cleanup finished",
		zap.Int("userCollections", b.cat.Stats().UserCollections),
		zap.Uint64("epoch", b.cat.Epoch()))
}

func (b *bench) dbName(i int) string {
	return fmt.Sprintf("db%d", i)
}

func (b *bench) openDatabases(ctx context.Context) {
	for i := 0; i < b.cfg.Databases; i++ {
		db := b.dbName(i)
		tx := txn.NewTxn(txn.WithClock(b.clock))
		tx.LockState().LockDatabase(db, txn.LockModeIS)
		if err := b.cat.OnOpenDatabase(ctx, tx, db); err != nil {
			panic(err)
		}
		if _, err := tx.Commit(ctx); err != nil {
			panic(err)
		}
	}
}

func (b *bench) run(ctx context.Context) {
	// A worker panic means a catalog invariant was violated, crash the
	// whole process instead of just the offending goroutine.
	pool, err := ants.NewPool(b.cfg.Workers, ants.WithPanicHandler(func(v interface{}) {
		logutil.Fatal("catalog worker panicked",
			zap.Error(kerr.ConvertPanicError(context.Background(), v)))
	}))
	if err != nil {
		panic(err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := 0; i < b.cfg.Ops; i++ {
		seq := i
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if err := b.runOne(ctx, seq); err != nil {
				b.failed.Add(1)
			}
		}); err != nil {
			wg.Done()
			panic(err)
		}
	}
	wg.Wait()
}

func (b *bench) runOne(ctx context.Context, seq int) error {
	dbIdx := seq % b.cfg.Databases
	db := b.dbName(dbIdx)

	if b.cfg.ScanEvery > 0 && seq%b.cfg.ScanEvery == 3%b.cfg.ScanEvery {
		return b.scanOp(ctx, db)
	}

	collIdx := rand.Intn(b.cfg.CollectionsPerDatabase)
	mu := &b.nsMu[dbIdx*b.cfg.CollectionsPerDatabase+collIdx]
	mu.Lock()
	defer mu.Unlock()

	if b.cfg.ViewEvery > 0 && seq%b.cfg.ViewEvery == 0 {
		return b.viewOp(ctx, dbIdx, db, collIdx)
	}
	return b.collectionOp(ctx, db, collIdx)
}

// collectionOp creates the namespace when absent and drops it
// otherwise, so a long run keeps churning both paths.
func (b *bench) collectionOp(ctx context.Context, db string, collIdx int) error {
	ns := catalog.MakeNamespaceString(db, fmt.Sprintf("c%d", collIdx))

	tx := txn.NewTxn(txn.WithClock(b.clock))
	ls := tx.LockState()
	ls.LockDatabase(db, txn.LockModeIX)
	ls.LockCollection(ns.String(), txn.LockModeX)
	defer ls.UnlockAll()

	var err error
	if b.cat.LookupCollectionByName(ctx, tx, ns) == nil {
		_, err = b.cat.CreateCollection(ctx, tx, ns, catalog.CollectionOptions{})
	} else {
		err = b.cat.DropCollection(ctx, tx, ns)
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	_, err = tx.Commit(ctx)
	return err
}

func (b *bench) viewOp(ctx context.Context, dbIdx int, db string, collIdx int) error {
	b.viewMu[dbIdx].Lock()
	defer b.viewMu[dbIdx].Unlock()

	viewName := catalog.MakeNamespaceString(db, fmt.Sprintf("v%d", collIdx))
	viewOn := catalog.MakeNamespaceString(db, fmt.Sprintf("c%d", collIdx))

	tx := txn.NewTxn(txn.WithClock(b.clock))
	ls := tx.LockState()
	ls.LockDatabase(db, txn.LockModeIX)
	ls.LockCollection(viewName.String(), txn.LockModeX)
	ls.LockCollection(viewName.SystemViewsNamespace().String(), txn.LockModeX)
	defer ls.UnlockAll()

	var err error
	if b.cat.LookupViewWithoutValidatingDurable(tx, viewName) == nil {
		err = b.cat.CreateView(ctx, tx, viewName, viewOn, []string{`{"$match":{}}`})
	} else {
		err = b.cat.DropView(ctx, tx, viewName)
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	_, err = tx.Commit(ctx)
	return err
}

// scanOp reads the catalog without declaring any collection lock, the
// snapshot makes that safe.
func (b *bench) scanOp(ctx context.Context, db string) error {
	tx := txn.NewTxn(txn.WithClock(b.clock))
	defer tx.LockState().UnlockAll()

	count := 0
	if err := b.cat.RangeCollections(ctx, tx, db, func(coll *catalog.Collection) error {
		count++
		return nil
	}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	_, err := tx.Commit(ctx)
	return err
}

// dropAllBatched removes every surviving collection through one batched
// writer, publishing a single snapshot at the end.
func (b *bench) dropAllBatched(ctx context.Context) {
	tx := txn.NewTxn(txn.WithClock(b.clock))
	ls := tx.LockState()
	ls.LockGlobal(txn.LockModeX)
	defer ls.UnlockAll()

	batch := b.cat.BeginBatchedWrite(tx)

	var targets []catalog.NamespaceString
	for _, db := range b.cat.AllDatabaseNames(ctx, tx) {
		if err := b.cat.RangeCollections(ctx, tx, db, func(coll *catalog.Collection) error {
			targets = append(targets, coll.NS())
			return nil
		}); err != nil {
			panic(err)
		}
	}
	for _, ns := range targets {
		if err := b.cat.DropCollection(ctx, tx, ns); err != nil {
			panic(err)
		}
	}
	if _, err := tx.Commit(ctx); err != nil {
		panic(err)
	}
	batch.End()
}
