package postgres

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fgeck/pgback/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleDump resembles pg_restore --file=- output for a schema-scoped archive.
const sampleDump = `--
-- PostgreSQL database dump
--

SET statement_timeout = 0;
SELECT pg_catalog.set_config('search_path', '', false);

--
-- Name: geo; Type: SCHEMA; Schema: -; Owner: alice
--

CREATE SCHEMA geo;


ALTER SCHEMA geo OWNER TO alice;

COMMENT ON SCHEMA geo IS 'spatial data';

CREATE EXTENSION IF NOT EXISTS postgis WITH SCHEMA public;

COMMENT ON EXTENSION postgis IS 'PostGIS geometry and geography spatial types and functions';

CREATE EXTENSION IF NOT EXISTS hstore WITH SCHEMA geo;

CREATE TABLE geo.roads (
    id integer DEFAULT nextval('geo.roads_id_seq'::regclass) NOT NULL,
    name text DEFAULT 'geo.unnamed'::text,
    geom public.geometry(LineString,4326)
);


ALTER TABLE geo.roads OWNER TO alice;

CREATE SEQUENCE "geo".roads_id_seq
    START WITH 1;

ALTER SEQUENCE geo.roads_id_seq OWNED BY geo.roads.id;

CREATE FUNCTION geo.road_count() RETURNS bigint
    LANGUAGE sql
    SET search_path TO 'geo', 'public'
    AS $$ SELECT count(*) FROM geo.roads $$;

ALTER FUNCTION geo.road_count() OWNER TO alice;

SET search_path = geo, pg_catalog;

COPY geo.roads (id, name, geom) FROM stdin;
1	geo.main street	0102000020E6100000
2	SCHEMA geo	0102000020E6100000
\.

CREATE INDEX roads_geom_idx ON geo.roads USING gist (geom);

ALTER TABLE ONLY geo.roads
    ADD CONSTRAINT roads_pkey PRIMARY KEY (id);

GRANT USAGE ON SCHEMA geo TO reader;

CREATE TABLE public.geometry_notes (note text);
`

func rewrite(t *testing.T, input string, rules models.RewriteRules) string {
	t.Helper()

	var out bytes.Buffer
	rw := NewRewriter(&out, rules)
	_, err := rw.Write([]byte(input))
	require.NoError(t, err)
	require.NoError(t, rw.Close())
	return out.String()
}

func TestRewriter_NoRulesIsIdentity(t *testing.T) {
	out := rewrite(t, sampleDump, models.RewriteRules{})

	assert.Equal(t, sampleDump, out)
}

func TestRewriter_StripsSpatialExtensions(t *testing.T) {
	out := rewrite(t, sampleDump, models.RewriteRules{StripExtensions: SpatialExtensions})

	assert.NotContains(t, out, "CREATE EXTENSION IF NOT EXISTS postgis")
	assert.NotContains(t, out, "COMMENT ON EXTENSION postgis")
	// Non-spatial extensions are replayed.
	assert.Contains(t, out, "CREATE EXTENSION IF NOT EXISTS hstore WITH SCHEMA geo;")
}

func TestRewriter_StripOwnership(t *testing.T) {
	out := rewrite(t, sampleDump, models.RewriteRules{StripOwnership: true})

	assert.NotContains(t, out, "OWNER TO")
	// OWNED BY is not an ownership statement.
	assert.Contains(t, out, "ALTER SEQUENCE geo.roads_id_seq OWNED BY geo.roads.id;")
}

func TestRewriter_ForceRole(t *testing.T) {
	out := rewrite(t, sampleDump, models.RewriteRules{ForceRole: "gis_owner"})

	assert.True(t, strings.HasPrefix(out, "SET ROLE \"gis_owner\";\n"))
	assert.NotContains(t, out, "OWNER TO alice")
	assert.Contains(t, out, `ALTER TABLE geo.roads OWNER TO "gis_owner";`)
	assert.Contains(t, out, `ALTER FUNCTION geo.road_count() OWNER TO "gis_owner";`)
	assert.Contains(t, out, `ALTER SCHEMA geo OWNER TO "gis_owner";`)
}

func TestRewriter_ForceRoleWithStrippedOwnership(t *testing.T) {
	out := rewrite(t, sampleDump, models.RewriteRules{ForceRole: "gis_owner", StripOwnership: true})

	assert.True(t, strings.HasPrefix(out, "SET ROLE \"gis_owner\";\n"))
	assert.NotContains(t, out, "OWNER TO")
}

func TestRewriter_ForceRoleQuoting(t *testing.T) {
	out := rewrite(t, "ALTER TABLE t OWNER TO \"Old Owner\";\n", models.RewriteRules{ForceRole: `we"ird$1`})

	assert.Equal(t, "SET ROLE \"we\"\"ird$1\";\nALTER TABLE t OWNER TO \"we\"\"ird$1\";\n", out)
}

func TestRewriter_ForceRoleEmptyInput(t *testing.T) {
	out := rewrite(t, "", models.RewriteRules{ForceRole: "gis_owner"})

	assert.Equal(t, "SET ROLE \"gis_owner\";\n", out)
}

func TestRewriter_SchemaRename(t *testing.T) {
	out := rewrite(t, sampleDump, models.RewriteRules{SchemaFrom: "geo", SchemaTo: "geo2"})

	assert.Contains(t, out, `CREATE SCHEMA IF NOT EXISTS "geo2";`)
	assert.Contains(t, out, `ALTER SCHEMA "geo2" OWNER TO alice;`)
	assert.NotContains(t, out, "COMMENT ON SCHEMA")
	assert.Contains(t, out, `CREATE EXTENSION IF NOT EXISTS hstore WITH SCHEMA "geo2";`)
	assert.Contains(t, out, `CREATE TABLE "geo2".roads (`)
	assert.Contains(t, out, `DEFAULT nextval('"geo2".roads_id_seq'::regclass)`)
	assert.Contains(t, out, "DEFAULT 'geo.unnamed'::text")
	assert.Contains(t, out, `CREATE SEQUENCE "geo2".roads_id_seq`)
	assert.Contains(t, out, `ALTER SEQUENCE "geo2".roads_id_seq OWNED BY "geo2".roads.id;`)
	assert.Contains(t, out, `CREATE FUNCTION "geo2".road_count() RETURNS bigint`)
	assert.Contains(t, out, `SET search_path TO 'geo2', 'public'`)
	assert.Contains(t, out, `AS $$ SELECT count(*) FROM "geo2".roads $$;`)
	assert.Contains(t, out, `SET search_path = "geo2", pg_catalog;`)
	assert.Contains(t, out, `COPY "geo2".roads (id, name, geom) FROM stdin;`)
	assert.Contains(t, out, `CREATE INDEX roads_geom_idx ON "geo2".roads USING gist (geom);`)
	assert.Contains(t, out, `ALTER TABLE ONLY "geo2".roads`)
	assert.Contains(t, out, `GRANT USAGE ON SCHEMA "geo2" TO reader;`)

	// Spatial types in other schemas and look-alike names are untouched.
	assert.Contains(t, out, "geom public.geometry(LineString,4326)")
	assert.Contains(t, out, "CREATE TABLE public.geometry_notes (note text);")
}

func TestRewriter_SchemaRenameLeavesCopyDataAlone(t *testing.T) {
	out := rewrite(t, sampleDump, models.RewriteRules{SchemaFrom: "geo", SchemaTo: "geo2"})

	assert.Contains(t, out, "1\tgeo.main street\t0102000020E6100000\n")
	assert.Contains(t, out, "2\tSCHEMA geo\t0102000020E6100000\n")
}

func TestRewriter_SchemaRenameNoDanglingReferences(t *testing.T) {
	out := rewrite(t, sampleDump, models.RewriteRules{
		SchemaFrom:      "geo",
		SchemaTo:        "geo2",
		StripOwnership:  true,
		StripExtensions: SpatialExtensions,
	})

	inCopy := false
	for _, line := range strings.Split(out, "\n") {
		if inCopy {
			inCopy = line != `\.`
			continue
		}
		if strings.HasPrefix(line, "--") {
			continue
		}
		assert.NotContains(t, line, " geo.", line)
		assert.NotContains(t, line, "(geo.", line)
		assert.NotContains(t, line, `"geo".`, line)
		assert.NotRegexp(t, `SCHEMA geo\b`, line)
		if strings.HasPrefix(line, "COPY ") {
			inCopy = true
		}
	}
}

func TestRewriter_SchemaRenameStringLiterals(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "text default",
			input:    "    name text DEFAULT 'geo.unnamed'::text",
			expected: "    name text DEFAULT 'geo.unnamed'::text",
		},
		{
			name:     "comment text",
			input:    "COMMENT ON TABLE geo.roads IS 'copied from geo.legacy';",
			expected: `COMMENT ON TABLE "geo2".roads IS 'copied from geo.legacy';`,
		},
		{
			name:     "keyword inside literal",
			input:    "COMMENT ON COLUMN geo.roads.name IS 'moved to SCHEMA geo';",
			expected: `COMMENT ON COLUMN "geo2".roads.name IS 'moved to SCHEMA geo';`,
		},
		{
			name:     "regclass cast",
			input:    "SELECT 'geo.roads'::regclass;",
			expected: `SELECT '"geo2".roads'::regclass;`,
		},
		{
			name:     "regclass cast with spaces",
			input:    "SELECT 'geo.roads' :: REGCLASS;",
			expected: `SELECT '"geo2".roads' :: REGCLASS;`,
		},
		{
			name:     "setval argument",
			input:    "SELECT pg_catalog.setval('geo.roads_id_seq', 2, true);",
			expected: `SELECT pg_catalog.setval('"geo2".roads_id_seq', 2, true);`,
		},
		{
			name:     "to_regclass argument",
			input:    "SELECT to_regclass( 'geo.roads');",
			expected: `SELECT to_regclass( '"geo2".roads');`,
		},
		{
			name:     "doubled quote",
			input:    "INSERT INTO geo.notes VALUES ('it''s geo.roads');",
			expected: `INSERT INTO "geo2".notes VALUES ('it''s geo.roads');`,
		},
		{
			name:     "escape string",
			input:    `INSERT INTO geo.notes VALUES (E'a\' geo.roads');`,
			expected: `INSERT INTO "geo2".notes VALUES (E'a\' geo.roads');`,
		},
		{
			name:     "quoted identifier with apostrophe",
			input:    `CREATE TABLE geo."it's" (id int DEFAULT nextval('geo.s'::regclass));`,
			expected: `CREATE TABLE "geo2"."it's" (id int DEFAULT nextval('"geo2".s'::regclass));`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := rewrite(t, tt.input+"\n", models.RewriteRules{SchemaFrom: "geo", SchemaTo: "geo2"})

			assert.Equal(t, tt.expected+"\n", out)
		})
	}
}

func TestRewriter_SchemaRenameKeepsPlainLiterals(t *testing.T) {
	input := "CREATE TABLE geo.roads (\n" +
		"    name text DEFAULT 'geo.unnamed'::text\n" +
		");\n" +
		"COMMENT ON TABLE geo.roads IS 'copied from geo.legacy';\n"

	out := rewrite(t, input, models.RewriteRules{SchemaFrom: "geo", SchemaTo: "geo2"})

	assert.Equal(t, "CREATE TABLE \"geo2\".roads (\n"+
		"    name text DEFAULT 'geo.unnamed'::text\n"+
		");\n"+
		"COMMENT ON TABLE \"geo2\".roads IS 'copied from geo.legacy';\n", out)
}

func TestRewriter_SchemaRenameMultiLineLiteral(t *testing.T) {
	input := "COMMENT ON TABLE geo.roads IS 'first line\nsee geo.legacy, SCHEMA geo';\nCREATE VIEW geo.v AS SELECT 1;\n"

	out := rewrite(t, input, models.RewriteRules{SchemaFrom: "geo", SchemaTo: "geo2"})

	assert.Equal(t, "COMMENT ON TABLE \"geo2\".roads IS 'first line\nsee geo.legacy, SCHEMA geo';\nCREATE VIEW \"geo2\".v AS SELECT 1;\n", out)
}

func TestRewriter_SchemaRenameFunctionBody(t *testing.T) {
	input := "CREATE FUNCTION geo.label() RETURNS text\n" +
		"    LANGUAGE plpgsql\n" +
		"    AS $fn$\n" +
		"BEGIN\n" +
		"  -- don't touch the label\n" +
		"  RETURN (SELECT 'geo.label' || name FROM geo.roads LIMIT 1);\n" +
		"END\n" +
		"$fn$;\n" +
		"CREATE VIEW geo.v AS SELECT 1;\n"

	out := rewrite(t, input, models.RewriteRules{SchemaFrom: "geo", SchemaTo: "geo2"})

	assert.Contains(t, out, `CREATE FUNCTION "geo2".label() RETURNS text`)
	assert.Contains(t, out, `RETURN (SELECT 'geo.label' || name FROM "geo2".roads LIMIT 1);`)
	// An apostrophe in a body comment does not swallow later statements.
	assert.Contains(t, out, `CREATE VIEW "geo2".v AS SELECT 1;`)
}

func TestRewriter_SchemaRenameIsCaseSensitiveForQuotedNames(t *testing.T) {
	input := "CREATE SCHEMA \"GEO\";\n" +
		"COMMENT ON SCHEMA \"GEO\" IS 'upper';\n" +
		"GRANT USAGE ON SCHEMA \"GEO\" TO reader;\n" +
		"CREATE TABLE \"GEO\".t (id int);\n" +
		"grant usage on schema geo to reader;\n" +
		"create schema geo;\n"

	out := rewrite(t, input, models.RewriteRules{SchemaFrom: "geo", SchemaTo: "geo2"})

	assert.Equal(t, "CREATE SCHEMA \"GEO\";\n"+
		"COMMENT ON SCHEMA \"GEO\" IS 'upper';\n"+
		"GRANT USAGE ON SCHEMA \"GEO\" TO reader;\n"+
		"CREATE TABLE \"GEO\".t (id int);\n"+
		"grant usage on schema \"geo2\" to reader;\n"+
		"CREATE SCHEMA IF NOT EXISTS \"geo2\";\n", out)
}

func TestRewriter_SchemaRenameQuotedSource(t *testing.T) {
	input := "CREATE SCHEMA \"Geo Data\";\nCREATE TABLE \"Geo Data\".parcels (id int);\nCREATE TABLE geo.other (id int);\n"

	out := rewrite(t, input, models.RewriteRules{SchemaFrom: "Geo Data", SchemaTo: "parcels"})

	assert.Equal(t, "CREATE SCHEMA IF NOT EXISTS \"parcels\";\nCREATE TABLE \"parcels\".parcels (id int);\nCREATE TABLE geo.other (id int);\n", out)
}

func TestRewriter_MultiLineDroppedStatement(t *testing.T) {
	input := "COMMENT ON EXTENSION postgis IS 'line one\nline two';\nCREATE TABLE t (id int);\n"

	out := rewrite(t, input, models.RewriteRules{StripExtensions: SpatialExtensions})

	assert.Equal(t, "CREATE TABLE t (id int);\n", out)
}

func TestRewriter_ChunkedWrites(t *testing.T) {
	rules := models.RewriteRules{SchemaFrom: "geo", SchemaTo: "geo2", StripOwnership: true}
	want := rewrite(t, sampleDump, rules)

	var out bytes.Buffer
	rw := NewRewriter(&out, rules)
	data := []byte(sampleDump)
	for i := 0; i < len(data); i += 7 {
		end := i + 7
		if end > len(data) {
			end = len(data)
		}
		n, err := rw.Write(data[i:end])
		require.NoError(t, err)
		assert.Equal(t, end-i, n)
	}
	require.NoError(t, rw.Close())

	assert.Equal(t, want, out.String())
}

func TestRewriter_TrailingPartialLine(t *testing.T) {
	out := rewrite(t, "CREATE TABLE geo.t (id int);", models.RewriteRules{SchemaFrom: "geo", SchemaTo: "geo2"})

	assert.Equal(t, `CREATE TABLE "geo2".t (id int);`, out)
}
