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

// Package errors provides shared error helpers, independent of internal.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors. Domain step/run failures use contracts.StepError instead,
// since those must round-trip through JSON storage.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArg      = errors.New("invalid argument")
	ErrVersionMismatch = errors.New("version mismatch")
)

// Wrap annotates err with msg, returning nil if err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
