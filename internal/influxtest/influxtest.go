// Package influxtest provides an in-process stand-in for the InfluxDB 1.x
// HTTP API: just enough of /write and /query for the gateway, fieldsim,
// and the end-to-end tests to run hermetically.
package influxtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Point is one stored sample.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]interface{}
	Time        time.Time
}

// Server is an in-memory time-series endpoint.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	addr       string

	mu     sync.Mutex
	points []Point

	failWrites  atomic.Int64
	failQueries atomic.Int64

	running atomic.Bool
}

// New creates a stopped server bound to a loopback port.
func New() *Server {
	return &Server{}
}

// StartTestServer starts a server and returns it with a cleanup function.
func StartTestServer() (*Server, func(), error) {
	s := New()
	if err := s.Start(); err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	}
	return s, cleanup, nil
}

// Start begins serving on 127.0.0.1:0.
func (s *Server) Start() error {
	if s.running.Swap(true) {
		return fmt.Errorf("influxtest already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/write", s.handleWrite)
	mux.HandleFunc("/query", s.handleQuery)

	// The v1 client sniffs this header to distinguish the database from
	// an intermediate proxy.
	versioned := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Influxdb-Version", "1.8.10")
		mux.ServeHTTP(w, r)
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.listener = listener
	s.addr = listener.Addr().String()
	s.httpServer = &http.Server{Handler: versioned}

	go func() {
		_ = s.httpServer.Serve(listener)
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	if !s.running.Swap(false) {
		return
	}
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}
}

// URL returns the base endpoint, e.g. "http://127.0.0.1:54321".
func (s *Server) URL() string {
	return "http://" + s.addr
}

// FailNextWrites makes the next n write requests return HTTP 500.
func (s *Server) FailNextWrites(n int) { s.failWrites.Store(int64(n)) }

// FailNextQueries makes the next n query requests return HTTP 500.
func (s *Server) FailNextQueries(n int) { s.failQueries.Store(int64(n)) }

// Seed stores a point directly, bypassing HTTP.
func (s *Server) Seed(measurement string, tags map[string]string, fields map[string]interface{}, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, Point{
		Measurement: measurement,
		Tags:        cloneTags(tags),
		Fields:      cloneFields(fields),
		Time:        t,
	})
}

// Points returns stored points for a measurement, oldest first.
func (s *Server) Points(measurement string) []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Point
	for _, p := range s.points {
		if p.Measurement == measurement {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// Reset drops all stored points.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = nil
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if s.failWrites.Load() > 0 {
		s.failWrites.Add(-1)
		http.Error(w, `{"error":"injected write failure"}`, http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		point, err := parseLine(line)
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.points = append(s.points, point)
		s.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

var (
	selectRe = regexp.MustCompile(`(?i)^SELECT\s+(\*|COUNT\("?value"?\))\s+FROM\s+"?([A-Za-z_][A-Za-z0-9_]*)"?\s+WHERE\s+(.+?)(\s+ORDER BY time DESC)?(\s+LIMIT\s+(\d+))?$`)
	condRe   = regexp.MustCompile(`"?([A-Za-z_][A-Za-z0-9_]*)"?\s*=\s*'((?:[^'\\]|\\.)*)'`)
	windowRe = regexp.MustCompile(`time\s*>\s*now\(\)\s*-\s*(\d+)([smh])`)
)

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.failQueries.Load() > 0 {
		s.failQueries.Add(-1)
		http.Error(w, `{"error":"injected query failure"}`, http.StatusInternalServerError)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := strings.TrimSpace(r.Form.Get("q"))

	m := selectRe.FindStringSubmatch(q)
	if m == nil {
		writeQueryError(w, fmt.Sprintf("unsupported query: %s", q))
		return
	}

	projection := m[1]
	measurement := m[2]
	where := m[3]
	orderDesc := m[4] != ""
	limit := 0
	if m[6] != "" {
		limit, _ = strconv.Atoi(m[6])
	}

	conds := map[string]string{}
	for _, c := range condRe.FindAllStringSubmatch(where, -1) {
		conds[c[1]] = strings.ReplaceAll(c[2], `\'`, `'`)
	}

	var window time.Duration
	if wm := windowRe.FindStringSubmatch(where); wm != nil {
		n, _ := strconv.Atoi(wm[1])
		switch wm[2] {
		case "s":
			window = time.Duration(n) * time.Second
		case "m":
			window = time.Duration(n) * time.Minute
		case "h":
			window = time.Duration(n) * time.Hour
		}
	}

	matched := s.match(measurement, conds, window)

	if strings.HasPrefix(strings.ToUpper(projection), "COUNT") {
		writeCountResponse(w, measurement, matched)
		return
	}
	writeSelectResponse(w, measurement, matched, orderDesc, limit)
}

func (s *Server) match(measurement string, conds map[string]string, window time.Duration) []Point {
	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Point
	for _, p := range s.points {
		if p.Measurement != measurement {
			continue
		}
		if !cutoff.IsZero() && !p.Time.After(cutoff) {
			continue
		}
		ok := true
		for key, want := range conds {
			if got, present := p.Tags[key]; !present || got != want {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, p)
		}
	}
	return out
}

func writeCountResponse(w http.ResponseWriter, measurement string, points []Point) {
	count := 0
	for _, p := range points {
		if _, ok := p.Fields["value"]; ok {
			count++
		}
	}
	resp := map[string]interface{}{
		"results": []interface{}{
			map[string]interface{}{
				"statement_id": 0,
				"series": []interface{}{
					map[string]interface{}{
						"name":    measurement,
						"columns": []string{"time", "count"},
						"values":  [][]interface{}{{0, count}},
					},
				},
			},
		},
	}
	writeJSON(w, resp)
}

func writeSelectResponse(w http.ResponseWriter, measurement string, points []Point, orderDesc bool, limit int) {
	if len(points) == 0 {
		writeJSON(w, map[string]interface{}{
			"results": []interface{}{map[string]interface{}{"statement_id": 0}},
		})
		return
	}

	sort.Slice(points, func(i, j int) bool {
		if orderDesc {
			return points[i].Time.After(points[j].Time)
		}
		return points[i].Time.Before(points[j].Time)
	})
	if limit > 0 && len(points) > limit {
		points = points[:limit]
	}

	// SELECT * returns the union of tag and field keys as columns.
	colSet := map[string]struct{}{}
	for _, p := range points {
		for k := range p.Tags {
			colSet[k] = struct{}{}
		}
		for k := range p.Fields {
			colSet[k] = struct{}{}
		}
	}
	columns := make([]string, 0, len(colSet)+1)
	columns = append(columns, "time")
	for k := range colSet {
		columns = append(columns, k)
	}
	sort.Strings(columns[1:])

	values := make([][]interface{}, 0, len(points))
	for _, p := range points {
		row := make([]interface{}, len(columns))
		row[0] = p.Time.UnixNano()
		for i, col := range columns[1:] {
			if v, ok := p.Tags[col]; ok {
				row[i+1] = v
			} else if v, ok := p.Fields[col]; ok {
				row[i+1] = v
			}
		}
		values = append(values, row)
	}

	resp := map[string]interface{}{
		"results": []interface{}{
			map[string]interface{}{
				"statement_id": 0,
				"series": []interface{}{
					map[string]interface{}{
						"name":    measurement,
						"columns": columns,
						"values":  values,
					},
				},
			},
		},
	}
	writeJSON(w, resp)
}

func writeQueryError(w http.ResponseWriter, msg string) {
	writeJSON(w, map[string]interface{}{
		"results": []interface{}{
			map[string]interface{}{"statement_id": 0, "error": msg},
		},
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// parseLine decodes one line-protocol line:
// measurement,tag=v,tag2=v2 field=1.5,flag="true" 1234567890
func parseLine(line string) (Point, error) {
	sections := splitUnescaped(line, ' ')
	if len(sections) < 2 {
		return Point{}, fmt.Errorf("malformed line: %s", line)
	}

	head := splitUnescaped(sections[0], ',')
	point := Point{
		Measurement: unescape(head[0]),
		Tags:        map[string]string{},
		Fields:      map[string]interface{}{},
		Time:        time.Now(),
	}
	for _, kv := range head[1:] {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return Point{}, fmt.Errorf("malformed tag %q", kv)
		}
		point.Tags[unescape(parts[0])] = unescape(parts[1])
	}

	for _, kv := range splitUnescaped(sections[1], ',') {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return Point{}, fmt.Errorf("malformed field %q", kv)
		}
		point.Fields[unescape(parts[0])] = parseFieldValue(parts[1])
	}

	if len(sections) >= 3 && sections[2] != "" {
		ns, err := strconv.ParseInt(sections[2], 10, 64)
		if err != nil {
			return Point{}, fmt.Errorf("malformed timestamp %q", sections[2])
		}
		point.Time = time.Unix(0, ns)
	}
	return point, nil
}

func parseFieldValue(raw string) interface{} {
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		return strings.ReplaceAll(raw[1:len(raw)-1], `\"`, `"`)
	}
	switch raw {
	case "t", "T", "true", "True", "TRUE":
		return true
	case "f", "F", "false", "False", "FALSE":
		return false
	}
	if strings.HasSuffix(raw, "i") {
		if n, err := strconv.ParseInt(raw[:len(raw)-1], 10, 64); err == nil {
			return n
		}
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// splitUnescaped splits on sep outside of backslash escapes and quoted
// strings.
func splitUnescaped(s string, sep byte) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			cur.WriteByte('\\')
			cur.WriteByte(c)
			escaped = false
			continue
		}
		switch {
		case c == '\\':
			escaped = true
		case c == '"':
			inQuotes = !inQuotes
			cur.WriteByte(c)
		case c == sep && !inQuotes:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if escaped {
		cur.WriteByte('\\')
	}
	out = append(out, cur.String())
	return out
}

func unescape(s string) string {
	r := strings.NewReplacer(`\ `, " ", `\,`, ",", `\=`, "=", `\\`, `\`)
	return r.Replace(s)
}

func cloneTags(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneFields(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
