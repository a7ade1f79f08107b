/*
 * Copyright (C) 2024 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not
 * use this file except in compliance with the License. You may obtain a copy of
 * the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
 * WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
 * License for the specific language governing permissions and limitations under
 * the License.
 */

package connection

import (
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru"
)

type statementKind int

const (
	kindQuery statementKind = iota
	kindDML
	kindDDL
)

func (k statementKind) String() string {
	switch k {
	case kindDML:
		return "dml"
	case kindDDL:
		return "ddl"
	}
	return "query"
}

var keywordKinds = map[string]statementKind{
	"SELECT":  kindQuery,
	"WITH":    kindQuery,
	"GRAPH":   kindQuery,
	"INSERT":  kindDML,
	"UPDATE":  kindDML,
	"DELETE":  kindDML,
	"CREATE":  kindDDL,
	"ALTER":   kindDDL,
	"DROP":    kindDDL,
	"GRANT":   kindDDL,
	"REVOKE":  kindDDL,
	"RENAME":  kindDDL,
	"ANALYZE": kindDDL,
}

// classifier caches the kind of recently seen SQL strings.
type classifier struct {
	cache *lru.Cache
}

func newClassifier(size int) (*classifier, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &classifier{cache: cache}, nil
}

func (c *classifier) kind(sql string) statementKind {
	if v, ok := c.cache.Get(sql); ok {
		return v.(statementKind)
	}
	k := classify(sql)
	c.cache.Add(sql, k)
	return k
}

// classify looks at the first keyword after comments, statement hints and
// opening parentheses. Unknown keywords are left to the server as queries.
func classify(sql string) statementKind {
	s := sql
	for {
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
		switch {
		case strings.HasPrefix(s, "--"), strings.HasPrefix(s, "#"):
			i := strings.IndexByte(s, '\n')
			if i < 0 {
				return kindQuery
			}
			s = s[i+1:]
		case strings.HasPrefix(s, "/*"):
			i := strings.Index(s, "*/")
			if i < 0 {
				return kindQuery
			}
			s = s[i+2:]
		case strings.HasPrefix(s, "@{"):
			i := strings.IndexByte(s, '}')
			if i < 0 {
				return kindQuery
			}
			s = s[i+1:]
		case strings.HasPrefix(s, "("):
			s = s[1:]
		default:
			end := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
			if end < 0 {
				end = len(s)
			}
			return keywordKinds[strings.ToUpper(s[:end])]
		}
	}
}
