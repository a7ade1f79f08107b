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

package utilities

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DatabaseNameFormat is the fully qualified name of a Spanner database.
const DatabaseNameFormat = "projects/%s/instances/%s/databases/%s"

var dsnRegex = regexp.MustCompile(`^(?:(?P<host>[\w.\-]+(?::\d+)?)/)?projects/(?P<project>[a-z0-9\-.:]+)/instances/(?P<instance>[a-z0-9\-]+)/databases/(?P<database>[a-z0-9_\-]+)(?:[?;](?P<params>.*))?$`)

// DSN is a parsed connection string of the form
//
//	[host:port/]projects/<project>/instances/<instance>/databases/<database>[;key=value;...]
type DSN struct {
	Host     string
	Project  string
	Instance string
	Database string
	Params   map[string]string
}

// DatabaseName returns projects/<project>/instances/<instance>/databases/<database>.
func (d DSN) DatabaseName() string {
	return fmt.Sprintf(DatabaseNameFormat, d.Project, d.Instance, d.Database)
}

// ParseDSN parses a connection string. Parameter keys are case-insensitive and stored lower case.
func ParseDSN(dsn string) (DSN, error) {
	matches := dsnRegex.FindStringSubmatch(strings.TrimSpace(dsn))
	if matches == nil {
		return DSN{}, fmt.Errorf("invalid connection string: %q", dsn)
	}
	d := DSN{Params: make(map[string]string)}
	for i, name := range dsnRegex.SubexpNames() {
		switch name {
		case "host":
			d.Host = matches[i]
		case "project":
			d.Project = matches[i]
		case "instance":
			d.Instance = matches[i]
		case "database":
			d.Database = matches[i]
		case "params":
			for _, kv := range strings.FieldsFunc(matches[i], func(r rune) bool { return r == ';' || r == '&' }) {
				key, value, ok := strings.Cut(kv, "=")
				if !ok {
					return DSN{}, fmt.Errorf("invalid connection string parameter: %q", kv)
				}
				d.Params[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
			}
		}
	}
	return d, nil
}

// BoolParam returns the boolean value of a connection string parameter, or def if it is absent.
func (d DSN) BoolParam(key string, def bool) (bool, error) {
	v, ok := d.Params[strings.ToLower(key)]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return b, nil
}

// IntParam returns the integer value of a connection string parameter, or def if it is absent.
func (d DSN) IntParam(key string, def int) (int, error) {
	v, ok := d.Params[strings.ToLower(key)]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return n, nil
}

// ParseDurationToSeconds converts a duration string like "1s", "1m", "1h" to the equivalent number of seconds in int64.
func ParseDurationToSeconds(duration string) (int64, error) {
	if len(duration) < 2 {
		return 0, fmt.Errorf("invalid duration format")
	}

	value := duration[:len(duration)-1]
	unit := duration[len(duration)-1:]

	num, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid number in duration: %v", err)
	}
	if num < 0 {
		return 0, fmt.Errorf("negative values are not allowed in duration: %s", duration)
	}

	switch unit {
	case "s":
		return int64(num), nil
	case "m":
		return int64(num) * int64(time.Minute.Seconds()), nil
	case "h":
		return int64(num) * int64(time.Hour.Seconds()), nil
	default:
		return 0, fmt.Errorf("invalid duration unit: %s", unit)
	}
}
