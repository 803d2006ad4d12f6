package streamquery

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name string
		sql  string
		want *Query
	}{
		{
			name: "quoted with alias",
			sql:  `SELECT "oml_ts_server" AS "ts", "rssi" FROM "wlan_rssi"`,
			want: &Query{Table: "wlan_rssi", Columns: []Column{{Name: "oml_ts_server", Alias: "ts"}, {Name: "rssi"}}},
		},
		{
			name: "unquoted",
			sql:  `select a, b as c from t`,
			want: &Query{Table: "t", Columns: []Column{{Name: "a"}, {Name: "b", Alias: "c"}}},
		},
		{
			name: "schema qualified",
			sql:  `SELECT "x" FROM "lab"."samples"`,
			want: &Query{Schema: "lab", Table: "samples", Columns: []Column{{Name: "x"}}},
		},
		{
			name: "table qualified column",
			sql:  `SELECT "samples"."x" FROM "samples"`,
			want: &Query{Table: "samples", Columns: []Column{{Name: "x"}}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.sql)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"star":       `SELECT * FROM "t"`,
		"expression": `SELECT count("a") FROM "t"`,
		"where":      `SELECT "a" FROM "t" WHERE "a" > 1`,
		"join":       `SELECT "a" FROM "t" JOIN "u" ON true`,
		"order":      `SELECT "a" FROM "t" ORDER BY "a"`,
		"limit":      `SELECT "a" FROM "t" LIMIT 5`,
		"union":      `SELECT "a" FROM "t" UNION SELECT "a" FROM "u"`,
		"no from":    `SELECT 1`,
		"two stmts":  `SELECT "a" FROM "t"; SELECT "b" FROM "u"`,
		"insert":     `INSERT INTO "t" VALUES (1)`,
	}
	for name, sql := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(sql)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnsupported), "got %v", err)
		})
	}
}

func TestParseSyntaxError(t *testing.T) {
	_, err := Parse(`SELEKT nothing`)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnsupported))
}

func TestSQLRoundTrip(t *testing.T) {
	q := &Query{Schema: "lab", Table: "wlan rssi", Columns: []Column{{Name: "ts", Alias: "time"}, {Name: "rssi"}}}
	assert.Equal(t, `SELECT "ts" AS "time", "rssi" FROM "lab"."wlan rssi"`, q.SQL())

	back, err := Parse(q.SQL())
	require.NoError(t, err)
	assert.Equal(t, q, back)
	assert.Equal(t, map[string]string{"ts": "time", "rssi": "rssi"}, q.Aliases())
	assert.Equal(t, "lab.wlan rssi", q.Qualified())
}
