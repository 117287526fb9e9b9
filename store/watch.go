// Copyright 2023 The CubeFS Authors.
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

package store

// Watch notifies the caller whenever key in (table, kind) changes; it
// never carries the new value, so a watcher always re-Gets.
func (s *Store) Watch(table string, kind Kind, key []byte) (ch <-chan struct{}, cancel func()) {
	id := watchID(table, kind, key)
	c := make(chan struct{}, 1)

	s.subMu.Lock()
	s.subs[id] = append(s.subs[id], c)
	s.subMu.Unlock()

	return c, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		subs := s.subs[id]
		for i, sub := range subs {
			if sub == c {
				s.subs[id] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(s.subs[id]) == 0 {
			delete(s.subs, id)
		}
	}
}

func (s *Store) notify(table string, kind Kind, key []byte) {
	id := watchID(table, kind, key)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, c := range s.subs[id] {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func watchID(table string, kind Kind, key []byte) string {
	return string(cf(table, kind)) + "\x00" + string(key)
}
