// Package redisstub runs a minimal in-memory Redis on a loopback listener so
// queue and rate limiter tests can exercise real client connections without a
// Redis installation. It speaks enough RESP2 for the commands the codebase
// issues: strings with NX/PX expiry, counters, sets, sorted sets, and streams
// with consumer groups.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	closed   chan struct{}
	certPEM  []byte
	keyPEM   []byte

	mu      sync.Mutex
	strings map[string]*stringEntry
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]int64
	streams map[string]*stream
	nextID  int64
}

type stringEntry struct {
	value  string
	expiry time.Time
}

type stream struct {
	entries []streamEntry
	groups  map[string]*groupState
}

type streamEntry struct {
	id      string
	values  []string
	deleted bool
}

type groupState struct {
	nextIndex int
	pending   map[string]*pendingEntry
}

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:    opts,
		closed:  make(chan struct{}),
		strings: make(map[string]*stringEntry),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]int64),
		streams: make(map[string]*stream),
	}
	addr := "127.0.0.1:0"
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

func (s *Server) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

// StreamLen reports how many live entries a stream holds. Tests use it to
// observe dead-letter and backlog state without a client round-trip.
func (s *Server) StreamLen(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok {
		return 0
	}
	count := 0
	for _, entry := range strm.entries {
		if !entry.deleted {
			count++
		}
	}
	return count
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
		var replyErr error
		switch strings.ToUpper(args[0]) {
		case "PING":
			replyErr = writeSimpleString(writer, "PONG")
		case "QUIT":
			_ = writeSimpleString(writer, "OK")
			return
		case "HELLO":
			// Declining HELLO keeps clients on RESP2.
			replyErr = writeError(writer, "ERR unknown command 'HELLO'")
		case "CLIENT":
			replyErr = writeSimpleString(writer, "OK")
		case "SELECT":
			replyErr = writeSimpleString(writer, "OK")
		case "AUTH":
			ok := false
			switch len(args) {
			case 2:
				ok = s.opts.Password == "" || args[1] == s.opts.Password
			case 3:
				ok = s.opts.Password != "" && args[2] == s.opts.Password
			}
			if ok {
				authenticated = true
				replyErr = writeSimpleString(writer, "OK")
			} else {
				replyErr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		default:
			if !authenticated {
				replyErr = writeError(writer, "NOAUTH Authentication required.")
			} else {
				replyErr = s.dispatch(writer, args)
			}
		}
		if replyErr != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) error {
	switch strings.ToUpper(args[0]) {
	case "SET":
		return s.handleSet(writer, args)
	case "GET":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'get'")
		}
		s.mu.Lock()
		entry := s.liveString(args[1])
		s.mu.Unlock()
		if entry == nil {
			return writeBulkNil(writer)
		}
		return writeBulkString(writer, entry.value)
	case "DEL":
		count := int64(0)
		s.mu.Lock()
		for _, key := range args[1:] {
			if s.liveString(key) != nil {
				count++
			}
			delete(s.strings, key)
		}
		s.mu.Unlock()
		return writeInteger(writer, count)
	case "INCR":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'")
		}
		s.mu.Lock()
		entry := s.liveString(args[1])
		if entry == nil {
			entry = &stringEntry{}
			s.strings[args[1]] = entry
		}
		value, err := strconv.ParseInt(strings.TrimSpace(firstNonBlank(entry.value, "0")), 10, 64)
		if err != nil {
			s.mu.Unlock()
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		value++
		entry.value = strconv.FormatInt(value, 10)
		s.mu.Unlock()
		return writeInteger(writer, value)
	case "EXPIRE":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		s.mu.Lock()
		entry := s.liveString(args[1])
		if entry != nil {
			entry.expiry = time.Now().Add(time.Duration(seconds) * time.Second)
		}
		s.mu.Unlock()
		if entry == nil {
			return writeInteger(writer, 0)
		}
		return writeInteger(writer, 1)
	case "TTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'ttl'")
		}
		s.mu.Lock()
		entry := s.liveString(args[1])
		var ttl int64 = -2
		if entry != nil {
			if entry.expiry.IsZero() {
				ttl = -1
			} else {
				ttl = int64(time.Until(entry.expiry) / time.Second)
				if ttl < 1 {
					ttl = 1
				}
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, ttl)
	case "SADD":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'sadd'")
		}
		s.mu.Lock()
		set := s.sets[args[1]]
		if set == nil {
			set = make(map[string]struct{})
			s.sets[args[1]] = set
		}
		added := int64(0)
		for _, member := range args[2:] {
			if _, ok := set[member]; !ok {
				set[member] = struct{}{}
				added++
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, added)
	case "SREM":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'srem'")
		}
		s.mu.Lock()
		removed := int64(0)
		if set := s.sets[args[1]]; set != nil {
			for _, member := range args[2:] {
				if _, ok := set[member]; ok {
					delete(set, member)
					removed++
				}
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, removed)
	case "SISMEMBER":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'sismember'")
		}
		s.mu.Lock()
		_, ok := s.sets[args[1]][args[2]]
		s.mu.Unlock()
		if ok {
			return writeInteger(writer, 1)
		}
		return writeInteger(writer, 0)
	case "ZADD":
		if len(args) < 4 {
			return writeError(writer, "ERR wrong number of arguments for 'zadd'")
		}
		score, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR value is not a valid float")
		}
		s.mu.Lock()
		zset := s.zsets[args[1]]
		if zset == nil {
			zset = make(map[string]int64)
			s.zsets[args[1]] = zset
		}
		_, existed := zset[args[3]]
		zset[args[3]] = score
		s.mu.Unlock()
		if existed {
			return writeInteger(writer, 0)
		}
		return writeInteger(writer, 1)
	case "ZREM":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'zrem'")
		}
		s.mu.Lock()
		removed := int64(0)
		if zset := s.zsets[args[1]]; zset != nil {
			for _, member := range args[2:] {
				if _, ok := zset[member]; ok {
					delete(zset, member)
					removed++
				}
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, removed)
	case "ZRANGE":
		if len(args) < 4 {
			return writeError(writer, "ERR wrong number of arguments for 'zrange'")
		}
		return writeStringArray(writer, s.sortedMembers(args[1], nil))
	case "ZRANGEBYSCORE":
		if len(args) < 4 {
			return writeError(writer, "ERR wrong number of arguments for 'zrangebyscore'")
		}
		var max *int64
		if args[3] != "+inf" {
			parsed, err := strconv.ParseInt(args[3], 10, 64)
			if err != nil {
				return writeError(writer, "ERR min or max is not a float")
			}
			max = &parsed
		}
		return writeStringArray(writer, s.sortedMembers(args[1], max))
	case "XADD":
		return s.handleXAdd(writer, args)
	case "XRANGE":
		return s.handleXRange(writer, args)
	case "XACK":
		if len(args) < 4 {
			return writeError(writer, "ERR wrong number of arguments for 'xack'")
		}
		s.mu.Lock()
		acked := int64(0)
		if strm := s.streams[args[1]]; strm != nil {
			if state := strm.groups[args[2]]; state != nil {
				for _, id := range args[3:] {
					if _, ok := state.pending[id]; ok {
						delete(state.pending, id)
						acked++
					}
				}
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, acked)
	case "XDEL":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'xdel'")
		}
		s.mu.Lock()
		deleted := int64(0)
		if strm := s.streams[args[1]]; strm != nil {
			for i := range strm.entries {
				for _, id := range args[2:] {
					if strm.entries[i].id == id && !strm.entries[i].deleted {
						strm.entries[i].deleted = true
						deleted++
					}
				}
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, deleted)
	case "XGROUP":
		return s.handleXGroup(writer, args)
	case "XREADGROUP":
		return s.handleXReadGroup(writer, args)
	case "XAUTOCLAIM":
		return s.handleXAutoClaim(writer, args)
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func (s *Server) handleSet(writer *bufio.Writer, args []string) error {
	if len(args) < 3 {
		return writeError(writer, "ERR wrong number of arguments for 'set'")
	}
	key, value := args[1], args[2]
	nx := false
	var expiry time.Time
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "NX":
			nx = true
		case "PX":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			ms, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return writeError(writer, "ERR value is not an integer or out of range")
			}
			expiry = time.Now().Add(time.Duration(ms) * time.Millisecond)
			i++
		case "EX":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			seconds, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return writeError(writer, "ERR value is not an integer or out of range")
			}
			expiry = time.Now().Add(time.Duration(seconds) * time.Second)
			i++
		default:
			return writeError(writer, "ERR syntax error")
		}
	}
	s.mu.Lock()
	if nx && s.liveString(key) != nil {
		s.mu.Unlock()
		return writeBulkNil(writer)
	}
	s.strings[key] = &stringEntry{value: value, expiry: expiry}
	s.mu.Unlock()
	return writeSimpleString(writer, "OK")
}

func (s *Server) handleXAdd(writer *bufio.Writer, args []string) error {
	if len(args) < 5 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'")
	}
	s.mu.Lock()
	strm := s.ensureStream(args[1])
	id := args[2]
	if id == "*" {
		s.nextID++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.nextID)
	}
	strm.entries = append(strm.entries, streamEntry{id: id, values: append([]string(nil), args[3:]...)})
	s.mu.Unlock()
	return writeBulkString(writer, id)
}

func (s *Server) handleXRange(writer *bufio.Writer, args []string) error {
	if len(args) < 4 {
		return writeError(writer, "ERR wrong number of arguments for 'xrange'")
	}
	start, end := args[2], args[3]
	s.mu.Lock()
	var records []interface{}
	if strm := s.streams[args[1]]; strm != nil {
		for _, entry := range strm.entries {
			if entry.deleted {
				continue
			}
			if start != "-" && entry.id < start {
				continue
			}
			if end != "+" && entry.id > end {
				continue
			}
			records = append(records, entryTuple(entry))
		}
	}
	s.mu.Unlock()
	return writeValue(writer, records)
}

func (s *Server) handleXGroup(writer *bufio.Writer, args []string) error {
	if len(args) < 5 || strings.ToUpper(args[1]) != "CREATE" {
		return writeError(writer, "ERR only XGROUP CREATE is supported")
	}
	s.mu.Lock()
	strm := s.ensureStream(args[2])
	if _, exists := strm.groups[args[3]]; exists {
		s.mu.Unlock()
		return writeError(writer, "BUSYGROUP Consumer Group name already exists")
	}
	strm.groups[args[3]] = &groupState{pending: make(map[string]*pendingEntry)}
	s.mu.Unlock()
	return writeSimpleString(writer, "OK")
}

func (s *Server) handleXReadGroup(writer *bufio.Writer, args []string) error {
	var group, consumer, streamName string
	count := 1
	blockMs := 0
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			group, consumer = args[i+1], args[i+2]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			parsed, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(writer, "ERR value is not an integer or out of range")
			}
			count = parsed
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			parsed, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(writer, "ERR timeout is not an integer or out of range")
			}
			blockMs = parsed
			i++
		case "STREAMS":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			streamName = args[i+1]
			i = len(args)
		}
	}
	if group == "" || streamName == "" {
		return writeError(writer, "ERR missing GROUP or STREAMS")
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		records := s.readGroup(streamName, group, consumer, count)
		if len(records) > 0 {
			return writeValue(writer, []interface{}{
				[]interface{}{streamName, records},
			})
		}
		if blockMs <= 0 || time.Now().After(deadline) {
			return writeBulkNil(writer)
		}
		select {
		case <-s.closed:
			return writeBulkNil(writer)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *Server) handleXAutoClaim(writer *bufio.Writer, args []string) error {
	if len(args) < 6 {
		return writeError(writer, "ERR wrong number of arguments for 'xautoclaim'")
	}
	streamName, group, consumer := args[1], args[2], args[3]
	minIdleMs, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		return writeError(writer, "ERR value is not an integer or out of range")
	}
	count := 100
	for i := 6; i+1 < len(args); i++ {
		if strings.ToUpper(args[i]) == "COUNT" {
			if parsed, err := strconv.Atoi(args[i+1]); err == nil {
				count = parsed
			}
		}
	}
	minIdle := time.Duration(minIdleMs) * time.Millisecond
	now := time.Now()

	s.mu.Lock()
	var records []interface{}
	if strm := s.streams[streamName]; strm != nil {
		if state := strm.groups[group]; state != nil {
			ids := make([]string, 0, len(state.pending))
			for id := range state.pending {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				if len(records) >= count {
					break
				}
				pending := state.pending[id]
				if now.Sub(pending.deliveredAt) < minIdle {
					continue
				}
				entry, ok := s.findEntry(strm, id)
				if !ok {
					delete(state.pending, id)
					continue
				}
				pending.consumer = consumer
				pending.deliveredAt = now
				records = append(records, entryTuple(entry))
			}
		}
	}
	s.mu.Unlock()

	return writeValue(writer, []interface{}{"0-0", records, []interface{}{}})
}

func (s *Server) readGroup(streamName, group, consumer string, count int) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(streamName)
	state, ok := strm.groups[group]
	if !ok {
		state = &groupState{pending: make(map[string]*pendingEntry)}
		strm.groups[group] = state
	}
	var records []interface{}
	now := time.Now()
	for state.nextIndex < len(strm.entries) && len(records) < count {
		entry := strm.entries[state.nextIndex]
		state.nextIndex++
		if entry.deleted {
			continue
		}
		state.pending[entry.id] = &pendingEntry{consumer: consumer, deliveredAt: now}
		records = append(records, entryTuple(entry))
	}
	return records
}

func (s *Server) findEntry(strm *stream, id string) (streamEntry, bool) {
	for _, entry := range strm.entries {
		if entry.id == id && !entry.deleted {
			return entry, true
		}
	}
	return streamEntry{}, false
}

func (s *Server) ensureStream(name string) *stream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &stream{groups: make(map[string]*groupState)}
		s.streams[name] = strm
	}
	if strm.groups == nil {
		strm.groups = make(map[string]*groupState)
	}
	return strm
}

// liveString returns the entry for key, dropping it first if expired. Callers
// hold s.mu.
func (s *Server) liveString(key string) *stringEntry {
	entry := s.strings[key]
	if entry == nil {
		return nil
	}
	if !entry.expiry.IsZero() && time.Now().After(entry.expiry) {
		delete(s.strings, key)
		return nil
	}
	return entry
}

func (s *Server) sortedMembers(key string, max *int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	zset := s.zsets[key]
	type scored struct {
		member string
		score  int64
	}
	members := make([]scored, 0, len(zset))
	for member, score := range zset {
		if max != nil && score > *max {
			continue
		}
		members = append(members, scored{member, score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].score != members[j].score {
			return members[i].score < members[j].score
		}
		return members[i].member < members[j].member
	})
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.member)
	}
	return out
}

func entryTuple(entry streamEntry) []interface{} {
	fields := make([]interface{}, 0, len(entry.values))
	for _, v := range entry.values {
		fields = append(fields, v)
	}
	return []interface{}{entry.id, fields}
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
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
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

// readFull avoids a short read when the payload spans bufio fills.
func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
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

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeStringArray(w *bufio.Writer, values []string) error {
	generic := make([]interface{}, 0, len(values))
	for _, value := range values {
		generic = append(generic, value)
	}
	return writeValue(w, generic)
}

func writeValue(w *bufio.Writer, value interface{}) error {
	if err := writeValueRaw(w, value); err != nil {
		return err
	}
	return w.Flush()
}

func writeValueRaw(w *bufio.Writer, value interface{}) error {
	switch v := value.(type) {
	case nil:
		_, err := w.WriteString("$-1\r\n")
		return err
	case string:
		_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
		return err
	case int64:
		_, err := fmt.Fprintf(w, ":%d\r\n", v)
		return err
	case []interface{}:
		if _, err := fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err := writeValueRaw(w, item); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported reply type %T", value)
	}
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
