package rpcserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ezfrontend/efe-control/internal/coordinator"
	"github.com/ezfrontend/efe-control/internal/ezerr"
	"github.com/ezfrontend/efe-control/internal/registration"
	"github.com/ezfrontend/efe-control/internal/statichandler"
)

// dispatch decodes payload per method, runs the handler, and encodes
// the response frame's status and payload.
func (s *Server) dispatch(ctx context.Context, method methodCode, payload []byte) (statusCode, []byte) {
	switch method {
	case methodPing:
		return s.handlePing()
	case methodAddUpstreamServerRegistration:
		return s.handleAddRegistration(ctx, payload)
	case methodRemoveUpstreamServerRegistration:
		return s.handleRemoveRegistration(ctx, payload)
	case methodRemoveReverseProxiedPath:
		return s.handleRemoveReverseProxiedPath(ctx, payload)
	case methodIsUpstreamServerRegistered:
		return s.handleIsRegistered(ctx, payload)
	case methodIsReverseProxiedPathRegistered:
		return s.handleIsProxiedPathRegistered(ctx, payload)
	case methodGetAllUpstreamServerRegistrations:
		return s.handleGetAllRegistrations(ctx)
	case methodGetRegistrationsForProxiedPath:
		return s.handleGetRegistrationsForProxiedPath(ctx, payload)
	case methodGetRegistrationsForApp:
		return s.handleGetRegistrationsForApp(ctx, payload)
	case methodAddServerCerts:
		return s.handleAddServerCerts(ctx, payload)
	case methodRemoveServerCerts:
		return s.handleRemoveServerCerts(ctx, payload)
	case methodIsServerCertPresent:
		return s.handleIsServerCertPresent(ctx, payload)
	case methodAddStaticContent:
		return s.handleAddStaticContent(ctx, payload)
	case methodRemoveStaticContent:
		return s.handleRemoveStaticContent(ctx, payload)
	case methodIsStaticContentPresent:
		return s.handleIsStaticContentPresent(payload)
	default:
		return statusBadRequest, []byte(fmt.Sprintf("unknown method code %d", method))
	}
}

func (s *Server) handlePing() (statusCode, []byte) {
	ok := true
	for _, c := range s.opts.FatalCheckers {
		if c.Fatal() {
			ok = false
			break
		}
	}
	var buf bytes.Buffer
	putTLVBool(&buf, tagBool, ok)
	return statusOK, buf.Bytes()
}

func decodeOneRegistration(payload []byte) (*registration.Registration, error) {
	fields, err := decodeTLVFields(payload)
	if err != nil {
		return nil, err
	}
	regs := fields[tagRegistration]
	if len(regs) != 1 {
		return nil, fmt.Errorf("expected exactly one registration field, got %d", len(regs))
	}
	return registration.Decode(regs[0])
}

func decodeOnePrefix(payload []byte) (string, error) {
	fields, err := decodeTLVFields(payload)
	if err != nil {
		return "", err
	}
	prefixes := fields[tagPrefix]
	if len(prefixes) != 1 {
		return "", fmt.Errorf("expected exactly one prefix field, got %d", len(prefixes))
	}
	return string(prefixes[0]), nil
}

func statusFor(err error) statusCode {
	var invalid *ezerr.RegistrationInvalid
	var notFound *ezerr.RegistrationNotFound
	var certErr *ezerr.CertStoreError
	var staticErr *ezerr.StaticContentError
	var badReq *ezerr.BadRequest
	switch {
	case errors.As(err, &invalid):
		return statusRegistrationInvalid
	case errors.As(err, &notFound):
		return statusRegistrationNotFound
	case errors.As(err, &certErr):
		return statusCertStoreError
	case errors.As(err, &staticErr):
		return statusStaticContentError
	case errors.As(err, &badReq):
		return statusBadRequest
	default:
		return statusInternal
	}
}

// allRegistrations loads and decodes every node under paths.Config().
func (s *Server) allRegistrations(ctx context.Context) ([]*registration.Registration, error) {
	names, err := s.opts.Coord.GetChildren(ctx, s.opts.Paths.Config())
	if err != nil {
		return nil, fmt.Errorf("rpcserver: list registrations: %w", err)
	}
	var out []*registration.Registration
	for _, name := range names {
		data, err := s.opts.Coord.Get(ctx, s.opts.Paths.ConfigChild(name))
		if err != nil {
			return nil, fmt.Errorf("rpcserver: get registration %s: %w", name, err)
		}
		r, err := registration.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("rpcserver: decode registration %s: %w", name, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func encodeRegistrations(regs []*registration.Registration) []byte {
	var buf bytes.Buffer
	for _, r := range regs {
		putTLVBytes(&buf, tagRegistration, registration.Encode(r))
	}
	return buf.Bytes()
}

func (s *Server) handleAddRegistration(ctx context.Context, payload []byte) (statusCode, []byte) {
	r, err := decodeOneRegistration(payload)
	if err != nil {
		return statusBadRequest, []byte(err.Error())
	}
	if err := r.Validate(); err != nil {
		return statusFor(err), []byte(err.Error())
	}

	unlock, err := s.opts.Coord.Lock(ctx, s.opts.Paths.Lock(), "addUpstreamServerRegistration")
	if err != nil {
		return statusInternal, []byte(err.Error())
	}
	defer unlock.Unlock()

	existing, err := s.allRegistrations(ctx)
	if err != nil {
		return statusInternal, []byte(err.Error())
	}
	for _, e := range existing {
		if e.UserFacingURLPrefix == r.UserFacingURLPrefix && e.UpstreamPath != r.UpstreamPath {
			err := &ezerr.RegistrationInvalid{Reason: fmt.Sprintf(
				"prefix %q already registered with upstreamPath %q, conflicts with %q",
				r.UserFacingURLPrefix, e.UpstreamPath, r.UpstreamPath)}
			return statusFor(err), []byte(err.Error())
		}
	}

	nodeName := r.NodeName()
	nodePath := s.opts.Paths.ConfigChild(nodeName)
	nodeExists, err := s.opts.Coord.Exists(ctx, nodePath)
	if err != nil {
		return statusInternal, []byte(err.Error())
	}
	if nodeExists {
		// Same prefix+path+host:port re-announcing with unchanged data
		// (a service restart) is an upsert, not a conflict.
		if err := s.opts.Coord.Set(ctx, nodePath, registration.Encode(r)); err != nil {
			return statusInternal, []byte(err.Error())
		}
	} else if err := s.opts.Coord.Create(ctx, nodePath, registration.Encode(r)); err != nil {
		return statusInternal, []byte(err.Error())
	}
	if err := coordinator.BumpWatch(ctx, s.opts.Coord, s.opts.Paths); err != nil {
		s.log.Warn("rpcserver: bump watch failed", "error", err)
	}
	return statusOK, nil
}

func (s *Server) handleRemoveRegistration(ctx context.Context, payload []byte) (statusCode, []byte) {
	r, err := decodeOneRegistration(payload)
	if err != nil {
		return statusBadRequest, []byte(err.Error())
	}
	if err := r.Validate(); err != nil {
		return statusFor(err), []byte(err.Error())
	}

	unlock, err := s.opts.Coord.Lock(ctx, s.opts.Paths.Lock(), "removeUpstreamServerRegistration")
	if err != nil {
		return statusInternal, []byte(err.Error())
	}
	defer unlock.Unlock()

	nodeName := r.NodeName()
	nodePath := s.opts.Paths.ConfigChild(nodeName)
	exists, err := s.opts.Coord.Exists(ctx, nodePath)
	if err != nil {
		return statusInternal, []byte(err.Error())
	}
	if !exists {
		notFound := &ezerr.RegistrationNotFound{NodeName: nodeName}
		return statusFor(notFound), []byte(notFound.Error())
	}
	if err := s.opts.Coord.Delete(ctx, nodePath); err != nil {
		return statusInternal, []byte(err.Error())
	}

	remaining, err := s.allRegistrations(ctx)
	if err != nil {
		return statusInternal, []byte(err.Error())
	}
	stillShared := false
	for _, e := range remaining {
		if e.ServerName() == r.ServerName() {
			stillShared = true
			break
		}
	}
	if !stillShared {
		sslPath := s.opts.Paths.SSLChild(r.ServerName())
		if ok, _ := s.opts.Coord.Exists(ctx, sslPath); ok {
			if err := s.opts.Coord.Delete(ctx, sslPath); err != nil {
				s.log.Warn("rpcserver: delete ssl node failed", "serverName", r.ServerName(), "error", err)
			}
		}
		if s.opts.Certs != nil {
			if err := s.opts.Certs.Remove(ctx, r.ServerName()); err != nil {
				s.log.Warn("rpcserver: cert store remove failed", "serverName", r.ServerName(), "error", err)
			}
		}
	}

	if err := coordinator.BumpWatch(ctx, s.opts.Coord, s.opts.Paths); err != nil {
		s.log.Warn("rpcserver: bump watch failed", "error", err)
	}
	return statusOK, nil
}

// handleRemoveReverseProxiedPath resolves the two ambiguities SPEC_FULL.md
// §9 documents for this call: it deletes every config child whose
// base-62 node name starts with B62(prefix)+"_" (the broken-typo accumulator
// case), and when prefix is empty it deletes every child of
// …/config outright (the "removeAllProxyRegistrations" broken
// self-reference case).
func (s *Server) handleRemoveReverseProxiedPath(ctx context.Context, payload []byte) (statusCode, []byte) {
	prefix, err := decodeOnePrefix(payload)
	if err != nil {
		return statusBadRequest, []byte(err.Error())
	}

	unlock, err := s.opts.Coord.Lock(ctx, s.opts.Paths.Lock(), "removeReverseProxiedPath")
	if err != nil {
		return statusInternal, []byte(err.Error())
	}
	defer unlock.Unlock()

	names, err := s.opts.Coord.GetChildren(ctx, s.opts.Paths.Config())
	if err != nil {
		return statusInternal, []byte(err.Error())
	}

	want := ""
	if prefix != "" {
		want = registration.B62(prefix) + "_"
	}

	deleted := 0
	for _, name := range names {
		if want != "" && !strings.HasPrefix(name, want) {
			continue
		}
		if err := s.opts.Coord.Delete(ctx, s.opts.Paths.ConfigChild(name)); err != nil {
			return statusInternal, []byte(err.Error())
		}
		deleted++
	}

	if deleted > 0 {
		if err := coordinator.BumpWatch(ctx, s.opts.Coord, s.opts.Paths); err != nil {
			s.log.Warn("rpcserver: bump watch failed", "error", err)
		}
	}
	return statusOK, nil
}

func (s *Server) handleIsRegistered(ctx context.Context, payload []byte) (statusCode, []byte) {
	r, err := decodeOneRegistration(payload)
	if err != nil {
		return statusBadRequest, []byte(err.Error())
	}
	exists, err := s.opts.Coord.Exists(ctx, s.opts.Paths.ConfigChild(r.NodeName()))
	if err != nil {
		return statusInternal, []byte(err.Error())
	}
	var buf bytes.Buffer
	putTLVBool(&buf, tagBool, exists)
	return statusOK, buf.Bytes()
}

func (s *Server) handleIsProxiedPathRegistered(ctx context.Context, payload []byte) (statusCode, []byte) {
	prefix, err := decodeOnePrefix(payload)
	if err != nil {
		return statusBadRequest, []byte(err.Error())
	}
	regs, err := s.allRegistrations(ctx)
	if err != nil {
		return statusInternal, []byte(err.Error())
	}
	found := false
	for _, r := range regs {
		if r.UserFacingURLPrefix == prefix {
			found = true
			break
		}
	}
	var buf bytes.Buffer
	putTLVBool(&buf, tagBool, found)
	return statusOK, buf.Bytes()
}

func (s *Server) handleGetAllRegistrations(ctx context.Context) (statusCode, []byte) {
	regs, err := s.allRegistrations(ctx)
	if err != nil {
		return statusInternal, []byte(err.Error())
	}
	return statusOK, encodeRegistrations(regs)
}

func (s *Server) handleGetRegistrationsForProxiedPath(ctx context.Context, payload []byte) (statusCode, []byte) {
	prefix, err := decodeOnePrefix(payload)
	if err != nil {
		return statusBadRequest, []byte(err.Error())
	}
	regs, err := s.allRegistrations(ctx)
	if err != nil {
		return statusInternal, []byte(err.Error())
	}
	var matched []*registration.Registration
	for _, r := range regs {
		if r.UserFacingURLPrefix == prefix {
			matched = append(matched, r)
		}
	}
	return statusOK, encodeRegistrations(matched)
}

func (s *Server) handleGetRegistrationsForApp(ctx context.Context, payload []byte) (statusCode, []byte) {
	fields, err := decodeTLVFields(payload)
	if err != nil {
		return statusBadRequest, []byte(err.Error())
	}
	names := fields[tagAppName]
	if len(names) != 1 {
		return statusBadRequest, []byte("expected exactly one appName field")
	}
	appName := string(names[0])

	regs, err := s.allRegistrations(ctx)
	if err != nil {
		return statusInternal, []byte(err.Error())
	}
	var matched []*registration.Registration
	for _, r := range regs {
		if r.AppName == appName {
			matched = append(matched, r)
		}
	}
	return statusOK, encodeRegistrations(matched)
}

func (s *Server) handleAddServerCerts(ctx context.Context, payload []byte) (statusCode, []byte) {
	fields, err := decodeTLVFields(payload)
	if err != nil {
		return statusBadRequest, []byte(err.Error())
	}
	serverName, certPEM, keyPEM, err := serverCertArgs(fields)
	if err != nil {
		bad := &ezerr.BadRequest{Reason: err.Error()}
		return statusFor(bad), []byte(bad.Error())
	}

	unlock, err := s.opts.Coord.Lock(ctx, s.opts.Paths.Lock(), "addServerCerts")
	if err != nil {
		return statusInternal, []byte(err.Error())
	}
	defer unlock.Unlock()

	if err := s.opts.Certs.Put(ctx, serverName, certPEM, keyPEM); err != nil {
		return statusFor(err), []byte(err.Error())
	}
	sslPath := s.opts.Paths.SSLChild(serverName)
	if exists, _ := s.opts.Coord.Exists(ctx, sslPath); !exists {
		if err := s.opts.Coord.Create(ctx, sslPath, nil); err != nil {
			return statusInternal, []byte(err.Error())
		}
	}
	if err := coordinator.BumpWatch(ctx, s.opts.Coord, s.opts.Paths); err != nil {
		s.log.Warn("rpcserver: bump watch failed", "error", err)
	}
	return statusOK, nil
}

func serverCertArgs(fields map[uint8][][]byte) (serverName string, certPEM, keyPEM []byte, err error) {
	names := fields[tagServerName]
	certs := fields[tagCertPEM]
	keys := fields[tagKeyPEM]
	if len(names) != 1 || len(certs) != 1 || len(keys) != 1 {
		return "", nil, nil, fmt.Errorf("addServerCerts requires serverName, certPEM, and keyPEM")
	}
	return string(names[0]), certs[0], keys[0], nil
}

func (s *Server) handleRemoveServerCerts(ctx context.Context, payload []byte) (statusCode, []byte) {
	fields, err := decodeTLVFields(payload)
	if err != nil {
		return statusBadRequest, []byte(err.Error())
	}
	names := fields[tagServerName]
	if len(names) != 1 {
		return statusBadRequest, []byte("removeServerCerts requires exactly one serverName field")
	}
	serverName := string(names[0])

	unlock, err := s.opts.Coord.Lock(ctx, s.opts.Paths.Lock(), "removeServerCerts")
	if err != nil {
		return statusInternal, []byte(err.Error())
	}
	defer unlock.Unlock()

	if err := s.opts.Certs.Remove(ctx, serverName); err != nil {
		return statusFor(err), []byte(err.Error())
	}
	sslPath := s.opts.Paths.SSLChild(serverName)
	if exists, _ := s.opts.Coord.Exists(ctx, sslPath); exists {
		if err := s.opts.Coord.Delete(ctx, sslPath); err != nil {
			return statusInternal, []byte(err.Error())
		}
	}
	if err := coordinator.BumpWatch(ctx, s.opts.Coord, s.opts.Paths); err != nil {
		s.log.Warn("rpcserver: bump watch failed", "error", err)
	}
	return statusOK, nil
}

func (s *Server) handleIsServerCertPresent(ctx context.Context, payload []byte) (statusCode, []byte) {
	fields, err := decodeTLVFields(payload)
	if err != nil {
		return statusBadRequest, []byte(err.Error())
	}
	names := fields[tagServerName]
	if len(names) != 1 {
		return statusBadRequest, []byte("isServerCertPresent requires exactly one serverName field")
	}
	present, err := s.opts.Certs.Exists(ctx, string(names[0]))
	if err != nil {
		return statusFor(err), []byte(err.Error())
	}
	var buf bytes.Buffer
	putTLVBool(&buf, tagBool, present)
	return statusOK, buf.Bytes()
}

func (s *Server) handleAddStaticContent(ctx context.Context, payload []byte) (statusCode, []byte) {
	fields, err := decodeTLVFields(payload)
	if err != nil {
		return statusBadRequest, []byte(err.Error())
	}
	prefixes := fields[tagPrefix]
	blobs := fields[tagBytes]
	if len(prefixes) != len(blobs) {
		bad := &ezerr.BadRequest{Reason: "addStaticContent: mismatched prefix/bytes field counts"}
		return statusFor(bad), []byte(bad.Error())
	}
	items := make([]statichandler.Item, len(prefixes))
	for i := range prefixes {
		items[i] = statichandler.Item{Prefix: string(prefixes[i]), Bytes: blobs[i]}
	}

	unlock, err := s.opts.Coord.Lock(ctx, s.opts.Paths.Lock(), "addStaticContent")
	if err != nil {
		return statusInternal, []byte(err.Error())
	}
	defer unlock.Unlock()

	if err := s.opts.Static.AddStaticContent(ctx, items); err != nil {
		return statusFor(err), []byte(err.Error())
	}
	if err := coordinator.BumpWatch(ctx, s.opts.Coord, s.opts.Paths); err != nil {
		s.log.Warn("rpcserver: bump watch failed", "error", err)
	}
	return statusOK, nil
}

func (s *Server) handleRemoveStaticContent(ctx context.Context, payload []byte) (statusCode, []byte) {
	fields, err := decodeTLVFields(payload)
	if err != nil {
		return statusBadRequest, []byte(err.Error())
	}
	prefixes := fields[tagPrefix]
	names := make([]string, len(prefixes))
	for i, p := range prefixes {
		names[i] = string(p)
	}

	unlock, err := s.opts.Coord.Lock(ctx, s.opts.Paths.Lock(), "removeStaticContent")
	if err != nil {
		return statusInternal, []byte(err.Error())
	}
	defer unlock.Unlock()

	if err := s.opts.Static.RemoveStaticContent(ctx, names); err != nil {
		return statusFor(err), []byte(err.Error())
	}
	if err := coordinator.BumpWatch(ctx, s.opts.Coord, s.opts.Paths); err != nil {
		s.log.Warn("rpcserver: bump watch failed", "error", err)
	}
	return statusOK, nil
}

func (s *Server) handleIsStaticContentPresent(payload []byte) (statusCode, []byte) {
	prefix, err := decodeOnePrefix(payload)
	if err != nil {
		return statusBadRequest, []byte(err.Error())
	}
	present := s.opts.Static.IsStaticContentPresent(prefix)
	var buf bytes.Buffer
	putTLVBool(&buf, tagBool, present)
	return statusOK, buf.Bytes()
}
