// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
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

package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"shortlink"
)

func TestEventStore_InsertBatch(t *testing.T) {
	st, mock := newMockStore(t)
	// Redelivered IDs no-op via the conflict clause, hence 2 of 3 inserted.
	mock.ExpectExec("INSERT INTO click_events").
		WillReturnResult(sqlmock.NewResult(0, 2))

	ts := shortlink.WireTime(time.Date(2026, 8, 24, 10, 5, 1, 0, time.UTC))
	events := []shortlink.ClickEvent{
		{EventID: "ev-1", ShortCode: "0004C92", Timestamp: ts, CountryCode: "US", DeviceType: "mobile"},
		{EventID: "ev-2", ShortCode: "0004C92", Timestamp: ts, Referrer: "https://news.example.com/"},
		{EventID: "ev-1", ShortCode: "0004C92", Timestamp: ts},
	}
	n, err := st.Events.InsertBatch(context.Background(), events)
	if err != nil {
		t.Fatalf("InsertBatch returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("InsertBatch inserted %d rows, want 2", n)
	}

	if n, err := st.Events.InsertBatch(context.Background(), nil); err != nil || n != 0 {
		t.Fatalf("InsertBatch(nil) = (%d, %v), want (0, nil)", n, err)
	}
}

func TestEventStore_CountSince(t *testing.T) {
	st, mock := newMockStore(t)
	since := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("0004C92", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	n, err := st.Events.CountSince(context.Background(), "0004C92", since)
	if err != nil {
		t.Fatalf("CountSince returned error: %v", err)
	}
	if n != 42 {
		t.Fatalf("CountSince = %d, want 42", n)
	}
}

func TestEventStore_PruneBefore(t *testing.T) {
	st, mock := newMockStore(t)
	cutoff := time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM click_events").
		WithArgs(cutoff, 1000).
		WillReturnResult(sqlmock.NewResult(0, 1000))

	n, err := st.Events.PruneBefore(context.Background(), cutoff, 1000)
	if err != nil {
		t.Fatalf("PruneBefore returned error: %v", err)
	}
	if n != 1000 {
		t.Fatalf("PruneBefore removed %d rows, want 1000", n)
	}
}
