// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tecbot/gorocksdb"

	"github.com/latticedb/lattice/util"
)

type testEg struct {
	engine Engine
	path   string
	opt    *Option
}

func newEngine(ctx context.Context, opt *Option) (*testEg, error) {
	path, err := util.GenTmpPath()
	if err != nil {
		return nil, err
	}
	_opt := opt
	if _opt == nil {
		_opt = new(Option)
	}
	_opt.CreateIfMissing = true
	_opt.Sync = true
	engine, err := newRocksdb(ctx, path, _opt)
	if err != nil {
		return nil, err
	}
	return &testEg{engine: engine, path: path, opt: _opt}, nil
}

func (eg *testEg) close() {
	eg.engine.Close()
	os.RemoveAll(eg.path)
}

func Test_openRocksdb(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	opt := new(Option)
	opt.CreateIfMissing = true
	opt.CompactionOptionFIFO = CompactionOptionFIFO{
		MaxTableFileSize: 1 << 10,
		AllowCompaction:  false,
	}
	opt.BlockSize = 1 << 20
	opt.BlockCache = 1 << 20
	opt.MaxSubCompactions = 8
	opt.MaxBackgroundCompactions = 8
	opt.KeepLogFileNum = 10000
	opt.MaxLogFileSize = 1 << 30
	opt.ColumnFamily = []CF{"a", "b", "c"}
	opt.CompactionStyle = FIFOStyle
	eg, err := newRocksdb(ctx, path, opt)
	require.NoError(t, err)
	eg.Close()

	// open with empty path
	_, err = newRocksdb(ctx, "", opt)
	require.Equal(t, errors.New("path is empty"), err)
	// reopen db
	eg, err = newRocksdb(ctx, path, opt)
	require.NoError(t, err)
	eg.Close()
	// open with wrong cf
	opt.ColumnFamily = []CF{"a", "b"}
	_, err = newRocksdb(ctx, path, opt)
	require.Error(t, err)
}

func TestInstance_CreateColumn(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	require.NoError(t, eg.engine.CreateColumn("colA"))
	// idempotent: lattice's store.EnsureTable calls this for each kind
	// of a table, including column families that already exist.
	require.NoError(t, eg.engine.CreateColumn("colA"))
}

func TestInstance_SetGetRaw(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	k := []byte("key1")
	v := []byte("value1")
	require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, k, v, nil))
	v1, err := eg.engine.GetRaw(ctx, defaultCF, k, nil)
	require.NoError(t, err)
	require.Equal(t, v, v1)
	require.NoError(t, eg.engine.Delete(ctx, defaultCF, k, nil))
	_, err = eg.engine.GetRaw(ctx, defaultCF, k, nil)
	require.Equal(t, ErrNotFound, err)
}

func TestWrite(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	col1 := CF("c1")
	require.NoError(t, eg.engine.CreateColumn(col1))

	for i := 0; i < 5; i++ {
		keyStr := []byte(fmt.Sprintf("k%d", i))
		valStr := []byte(fmt.Sprintf("v%d", i))
		require.NoError(t, eg.engine.SetRaw(ctx, col1, keyStr, valStr, nil))
	}

	batch := eg.engine.NewWriteBatch()
	batch.DeleteRange(col1, []byte("k0"), []byte("k5"))
	require.NoError(t, eg.engine.Write(ctx, batch, nil))
	for i := 0; i < 5; i++ {
		keyStr := []byte(fmt.Sprintf("k%d", i))
		_, err = eg.engine.GetRaw(ctx, col1, keyStr, nil)
		require.Equal(t, ErrNotFound, err)
	}
}

func TestInstance_NewReadOption(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	ro := eg.engine.NewReadOption()
	defer ro.Close()
	k := []byte("key1")
	v := []byte("value1")
	require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, k, v, nil))
	v1, err := eg.engine.GetRaw(ctx, defaultCF, k, nil)
	require.NoError(t, err)
	snap := eg.engine.NewSnapshot()
	defer snap.Close()
	ro.SetSnapShot(snap)
	v2, err := eg.engine.GetRaw(ctx, defaultCF, k, ro)
	require.NoError(t, err)
	require.Equal(t, v, v1)
	require.Equal(t, v, v2)
}

func TestInstance_NewWriteOption(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	wo := eg.engine.NewWriteOption()
	defer wo.Close()
	wo.SetSync(false)
	wo.DisableWAL(true)
	k := []byte("key1")
	v := []byte("value1")
	require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, k, v, wo))
	v1, err := eg.engine.GetRaw(ctx, defaultCF, k, nil)
	require.NoError(t, err)
	require.Equal(t, v, v1)
}

func TestInstance_List(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, []byte("key1"), []byte("value1"), nil))
	require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, []byte("key2"), []byte("value2"), nil))
	require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, []byte("key3"), []byte("value3"), nil))
	require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, []byte("word1"), []byte("w1"), nil))

	// prefix read
	ls := eg.engine.List(ctx, defaultCF, []byte("key"), nil, nil)
	var got [][2]string
	for {
		k, v, err := ls.ReadNextCopy()
		require.NoError(t, err)
		if k == nil {
			break
		}
		got = append(got, [2]string{string(k), string(v)})
	}
	ls.Close()
	require.Equal(t, [][2]string{{"key1", "value1"}, {"key2", "value2"}, {"key3", "value3"}}, got)

	// marker read
	ls = eg.engine.List(ctx, defaultCF, []byte("key"), []byte("key2"), nil)
	k, v, err := ls.ReadNextCopy()
	require.NoError(t, err)
	require.Equal(t, []byte("key2"), k)
	require.Equal(t, []byte("value2"), v)
	ls.Close()

	// nil prefix read covers the whole column family
	ls = eg.engine.List(ctx, defaultCF, nil, nil, nil)
	n := 0
	for {
		k, _, err := ls.ReadNextCopy()
		require.NoError(t, err)
		if k == nil {
			break
		}
		n++
	}
	ls.Close()
	require.Equal(t, 4, n)
}

func TestInstance_DeleteRange(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	keys := [][]byte{[]byte("/k1/a"), []byte("/k1/b"), []byte("/k1/c"), []byte("/k10"), []byte("/k1012"), []byte("/k11")}
	for _, key := range keys {
		require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, key, []byte("1"), nil))
	}
	for _, key := range keys {
		value, err := eg.engine.GetRaw(ctx, defaultCF, key, nil)
		require.NoError(t, err)
		require.Equal(t, []byte("1"), value)
	}

	rdb := eg.engine.(*rocksdb)
	batch := gorocksdb.NewWriteBatch()
	start := []byte("/k1/")
	end := []byte("/k1/")
	end[len(end)-1]++
	batch.DeleteRangeCF(rdb.getColumnFamily(defaultCF), start, end)
	require.NoError(t, rdb.db.Write(rdb.writeOpt, batch))

	for _, key := range [][]byte{[]byte("/k1/a"), []byte("/k1/b"), []byte("/k1/c")} {
		_, err := eg.engine.GetRaw(ctx, defaultCF, key, nil)
		require.Equal(t, ErrNotFound, err)
	}
	for _, key := range [][]byte{[]byte("/k10"), []byte("/k1012"), []byte("/k11")} {
		value, err := eg.engine.GetRaw(ctx, defaultCF, key, nil)
		require.NoError(t, err)
		require.Equal(t, []byte("1"), value)
	}
}
