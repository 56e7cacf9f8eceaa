package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loaderFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"X-WR-TIMEZONE:Europe/Berlin\r\n" +
	"BEGIN:VEVENT\r\nUID:a\r\nSUMMARY:Standup\r\nDTSTART:20250303T090000\r\nDTEND:20250303T091500\r\nRRULE:FREQ=DAILY\r\nEND:VEVENT\r\n" +
	"BEGIN:VEVENT\r\nUID:a\r\nRECURRENCE-ID:20250304T090000\r\nSUMMARY:Standup (moved)\r\nDTSTART:20250304T100000\r\nDTEND:20250304T101500\r\nEND:VEVENT\r\n" +
	"BEGIN:VEVENT\r\nUID:b\r\nSUMMARY:Declined: Review\r\nDTSTART:20250305T130000Z\r\nDTEND:20250305T140000Z\r\nEND:VEVENT\r\n" +
	"BEGIN:VEVENT\r\nUID:c\r\nSUMMARY:Backwards\r\nDTSTART:20250305T130000Z\r\nDTEND:20250305T120000Z\r\nEND:VEVENT\r\n" +
	"BEGIN:VEVENT\r\nUID:d\r\nSUMMARY:Holiday\r\nDTSTART;VALUE=DATE:20250306\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestLoaderPipeline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(loaderFeed))
	}))
	defer srv.Close()

	l := &Loader{
		Fetcher:     NewFetcher(t.TempDir()),
		Source:      Source{ID: "work", URL: srv.URL},
		DefaultZone: time.UTC,
		Exclusions:  ExclusionPolicy{TitlePrefixes: DefaultExcludedPrefixes},
	}

	events, stats, err := l.LoadSourceEvents(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Parse.Events)
	assert.Equal(t, 1, stats.Parse.Overrides)
	assert.Equal(t, 1, stats.Invalid)
	assert.Equal(t, 1, stats.Excluded)
	assert.Equal(t, 2, stats.Loaded)
	assert.False(t, stats.FromCache)

	require.Len(t, events, 2)
	assert.Equal(t, "Standup", events[0].Title)
	assert.Equal(t, "Europe/Berlin", events[0].Start.Zone())
	assert.Equal(t, "Holiday", events[1].Title)
	assert.True(t, events[1].AllDay)
	assert.Equal(t, "2025-03-07", events[1].End.Date())
}

func TestLoaderFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	l := &Loader{Fetcher: NewFetcher(t.TempDir()), Source: Source{ID: "work", URL: srv.URL}}
	_, _, err := l.LoadSourceEvents(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch feed work")
}
