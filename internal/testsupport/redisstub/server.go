// Package redisstub is an in-process RESP2 server implementing the subset of
// Redis used by relaycast: strings with expiry, hashes, and streams with
// consumer groups. It tolerates the go-redis connection handshake (HELLO and
// CLIENT SETINFO are answered with errors and go-redis falls back to RESP2).
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	strings  map[string]*stringEntry
	hashes   map[string]map[string]string
	streams  map[string]*redisStream
	failing  bool
	commands []string
	closed   chan struct{}
}

type stringEntry struct {
	value  string
	expiry time.Time
}

func (e *stringEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

type redisStream struct {
	entries []streamEntry
	groups  map[string]*groupState
	seq     int64
}

type streamEntry struct {
	id     string
	values []string
}

type groupState struct {
	nextIndex int
	pending   map[string]struct{}
}

// Start listens on an ephemeral loopback port.
func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		strings:  make(map[string]*stringEntry),
		hashes:   make(map[string]map[string]string),
		streams:  make(map[string]*redisStream),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// SetFailing makes every data command reply with an error until reset.
func (s *Server) SetFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

// Commands returns the upper-cased command names received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// HashFields returns a copy of the hash stored at key.
func (s *Server) HashFields(key string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out
}

// SetHashField seeds a hash field directly.
func (s *Server) SetHashField(key, field, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hashes[key] == nil {
		s.hashes[key] = make(map[string]string)
	}
	s.hashes[key][field] = value
}

// StreamLen reports how many entries were appended to a stream.
func (s *Server) StreamLen(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strm, ok := s.streams[key]; ok {
		return len(strm.entries)
	}
	return 0
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		var werr error
		switch cmd {
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "HELLO":
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "CLIENT":
			werr = writeError(writer, "ERR unknown subcommand")
		case "SELECT":
			werr = writeSimpleString(writer, "OK")
		case "AUTH":
			password := args[len(args)-1]
			if len(args) < 2 || len(args) > 3 {
				werr = writeError(writer, "ERR wrong number of arguments for 'auth'")
			} else if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			} else {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, cmd, args)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(w *bufio.Writer, cmd string, args []string) error {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return writeError(w, "ERR injected failure")
	}

	switch cmd {
	case "GET":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'get'")
		}
		value, ok := s.get(args[1])
		if !ok {
			return writeBulkNil(w)
		}
		return writeBulkString(w, value)
	case "SET":
		return s.handleSet(w, args)
	case "DEL":
		removed := s.del(args[1:])
		return writeInteger(w, removed)
	case "INCR":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'incr'")
		}
		value, err := s.incr(args[1])
		if err != nil {
			return writeError(w, err.Error())
		}
		return writeInteger(w, value)
	case "EXPIRE", "PEXPIRE":
		if len(args) != 3 {
			return writeError(w, "ERR wrong number of arguments for 'expire'")
		}
		n, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(w, "ERR invalid expire time")
		}
		unit := time.Second
		if cmd == "PEXPIRE" {
			unit = time.Millisecond
		}
		return writeInteger(w, s.expire(args[1], time.Duration(n)*unit))
	case "TTL":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'ttl'")
		}
		return writeInteger(w, s.ttl(args[1]))
	case "HSET":
		if len(args) < 4 || len(args)%2 != 0 {
			return writeError(w, "ERR wrong number of arguments for 'hset'")
		}
		return writeInteger(w, s.hset(args[1], args[2:]))
	case "HGET":
		if len(args) != 3 {
			return writeError(w, "ERR wrong number of arguments for 'hget'")
		}
		s.mu.Lock()
		value, ok := s.hashes[args[1]][args[2]]
		s.mu.Unlock()
		if !ok {
			return writeBulkNil(w)
		}
		return writeBulkString(w, value)
	case "HGETALL":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'hgetall'")
		}
		return writeArray(w, s.hgetall(args[1]))
	case "HDEL":
		if len(args) < 3 {
			return writeError(w, "ERR wrong number of arguments for 'hdel'")
		}
		return writeInteger(w, s.hdel(args[1], args[2:]))
	case "HLEN":
		s.mu.Lock()
		n := len(s.hashes[args[1]])
		s.mu.Unlock()
		return writeInteger(w, int64(n))
	case "XADD":
		return s.handleXAdd(w, args)
	case "XGROUP":
		return s.handleXGroup(w, args)
	case "XREADGROUP":
		return s.handleXReadGroup(w, args)
	case "XACK":
		if len(args) < 4 {
			return writeError(w, "ERR wrong number of arguments for 'xack'")
		}
		return writeInteger(w, int64(s.ack(args[1], args[2], args[3:])))
	default:
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

func (s *Server) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.strings[key]
	if !ok {
		return "", false
	}
	if entry.expired(time.Now()) {
		delete(s.strings, key)
		return "", false
	}
	return entry.value, true
}

func (s *Server) handleSet(w *bufio.Writer, args []string) error {
	if len(args) < 3 {
		return writeError(w, "ERR wrong number of arguments for 'set'")
	}
	key, value := args[1], args[2]
	var ttl time.Duration
	nx := false
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "EX", "PX":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return writeError(w, "ERR value is not an integer or out of range")
			}
			if strings.ToUpper(args[i]) == "EX" {
				ttl = time.Duration(n) * time.Second
			} else {
				ttl = time.Duration(n) * time.Millisecond
			}
			i++
		case "NX":
			nx = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.strings[key]; ok && nx && !existing.expired(time.Now()) {
		return writeBulkNil(w)
	}
	entry := &stringEntry{value: value}
	if ttl > 0 {
		entry.expiry = time.Now().Add(ttl)
	}
	s.strings[key] = entry
	return writeSimpleString(w, "OK")
}

func (s *Server) del(keys []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if _, ok := s.strings[key]; ok {
			delete(s.strings, key)
			removed++
		}
		if _, ok := s.hashes[key]; ok {
			delete(s.hashes, key)
			removed++
		}
		if _, ok := s.streams[key]; ok {
			delete(s.streams, key)
			removed++
		}
	}
	return removed
}

func (s *Server) incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.strings[key]
	if !ok || entry.expired(time.Now()) {
		entry = &stringEntry{value: "0"}
		s.strings[key] = entry
	}
	current, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ERR value is not an integer or out of range")
	}
	current++
	entry.value = strconv.FormatInt(current, 10)
	return current, nil
}

func (s *Server) expire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.strings[key]
	if !ok {
		return 0
	}
	entry.expiry = time.Now().Add(ttl)
	return 1
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.strings[key]
	if !ok {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	remaining := time.Until(entry.expiry)
	if remaining <= 0 {
		delete(s.strings, key)
		return -2
	}
	return int64((remaining + time.Second - 1) / time.Second)
}

func (s *Server) hset(key string, pairs []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash := s.hashes[key]
	if hash == nil {
		hash = make(map[string]string)
		s.hashes[key] = hash
	}
	var added int64
	for i := 0; i+1 < len(pairs); i += 2 {
		if _, exists := hash[pairs[i]]; !exists {
			added++
		}
		hash[pairs[i]] = pairs[i+1]
	}
	return added
}

func (s *Server) hgetall(key string) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash := s.hashes[key]
	fields := make([]string, 0, len(hash))
	for field := range hash {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	out := make([]interface{}, 0, len(fields)*2)
	for _, field := range fields {
		out = append(out, field, hash[field])
	}
	return out
}

func (s *Server) hdel(key string, fields []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash := s.hashes[key]
	var removed int64
	for _, field := range fields {
		if _, ok := hash[field]; ok {
			delete(hash, field)
			removed++
		}
	}
	if len(hash) == 0 {
		delete(s.hashes, key)
	}
	return removed
}

func (s *Server) ensureStream(name string) *redisStream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &redisStream{groups: make(map[string]*groupState)}
		s.streams[name] = strm
	}
	return strm
}

func (s *Server) handleXAdd(w *bufio.Writer, args []string) error {
	if len(args) < 5 {
		return writeError(w, "ERR wrong number of arguments for 'xadd'")
	}
	stream := args[1]
	i := 2
	// MAXLEN ~ n is accepted and ignored.
	if strings.ToUpper(args[i]) == "MAXLEN" {
		i++
		if args[i] == "~" || args[i] == "=" {
			i++
		}
		i++
	}
	if i >= len(args) {
		return writeError(w, "ERR syntax error")
	}
	id := args[i]
	values := append([]string(nil), args[i+1:]...)
	if len(values) == 0 || len(values)%2 != 0 {
		return writeError(w, "ERR wrong number of arguments for 'xadd'")
	}

	s.mu.Lock()
	strm := s.ensureStream(stream)
	if id == "*" {
		strm.seq++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), strm.seq)
	}
	strm.entries = append(strm.entries, streamEntry{id: id, values: values})
	s.mu.Unlock()
	return writeBulkString(w, id)
}

func (s *Server) handleXGroup(w *bufio.Writer, args []string) error {
	if len(args) < 5 || strings.ToUpper(args[1]) != "CREATE" {
		return writeError(w, "ERR only XGROUP CREATE is supported")
	}
	stream, group, start := args[2], args[3], args[4]
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(stream)
	if _, exists := strm.groups[group]; exists {
		return writeError(w, "BUSYGROUP Consumer Group name already exists")
	}
	state := &groupState{pending: make(map[string]struct{})}
	if start == "$" {
		state.nextIndex = len(strm.entries)
	}
	strm.groups[group] = state
	return writeSimpleString(w, "OK")
}

func (s *Server) handleXReadGroup(w *bufio.Writer, args []string) error {
	var group, stream string
	count := 1
	blockMs := 0
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			group = args[i+1]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(w, "ERR invalid COUNT")
			}
			count = v
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(w, "ERR invalid BLOCK")
			}
			blockMs = v
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			stream = args[i+1]
			i = len(args)
		}
	}
	if stream == "" || group == "" {
		return writeError(w, "ERR missing stream or group")
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		if items := s.readGroup(stream, group, count); len(items) > 0 {
			return writeArray(w, []interface{}{items})
		}
		if blockMs <= 0 || time.Now().After(deadline) {
			return writeArrayNil(w)
		}
		select {
		case <-s.closed:
			return io.EOF
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *Server) readGroup(stream, group string, count int) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(stream)
	state, ok := strm.groups[group]
	if !ok {
		return nil
	}
	start := state.nextIndex
	if start >= len(strm.entries) {
		return nil
	}
	end := start + count
	if count <= 0 || end > len(strm.entries) {
		end = len(strm.entries)
	}
	records := make([]interface{}, 0, end-start)
	for i := start; i < end; i++ {
		entry := strm.entries[i]
		state.pending[entry.id] = struct{}{}
		values := make([]interface{}, 0, len(entry.values))
		for _, v := range entry.values {
			values = append(values, v)
		}
		records = append(records, []interface{}{entry.id, values})
	}
	state.nextIndex = end
	return []interface{}{stream, records}
}

func (s *Server) ack(stream, group string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[stream]
	if !ok {
		return 0
	}
	state, ok := strm.groups[group]
	if !ok {
		return 0
	}
	count := 0
	for _, id := range ids {
		if _, exists := state.pending[id]; exists {
			delete(state.pending, id)
			count++
		}
	}
	return count
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if err := writeBulkStringRaw(w, value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayNil(w *bufio.Writer) error {
	if _, err := w.WriteString("*-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		var err error
		switch v := value.(type) {
		case string:
			err = writeBulkStringRaw(w, v)
		case int64:
			_, err = fmt.Fprintf(w, ":%d\r\n", v)
		case []interface{}:
			err = writeArrayRaw(w, v)
		default:
			err = writeBulkStringRaw(w, fmt.Sprint(v))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeBulkStringRaw(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
