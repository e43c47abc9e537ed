package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"runtime"
	"time"

	"github.com/svmkit/svm/internal/types"
	"github.com/svmkit/svm/pkg/asm"
	"github.com/svmkit/svm/pkg/program"
	"github.com/svmkit/svm/pkg/runlog"
	"github.com/svmkit/svm/pkg/store"
	"github.com/svmkit/svm/pkg/svm"
)

// parseParams unmarshals positional JSON-RPC params.
func parseParams(params json.RawMessage) ([]json.RawMessage, *RPCError) {
	if len(params) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("params must be an array")
	}
	return args, nil
}

// parseProgramID parses the base58 program ID in the first parameter slot.
func parseProgramID(args []json.RawMessage) (types.ProgramID, *RPCError) {
	var id types.ProgramID
	if len(args) < 1 {
		return id, InvalidParamsError("missing program id parameter")
	}
	var idStr string
	if err := json.Unmarshal(args[0], &idStr); err != nil {
		return id, InvalidParamsError("invalid program id")
	}
	id, err := types.ProgramIDFromBase58(idStr)
	if err != nil {
		return id, InvalidParamsErrorf("invalid program id: %v", err)
	}
	return id, nil
}

// loadProgram stores submitted bytecode and returns its identity.
//
// Params: [data, {encoding, label}]. Container payloads are decoded and
// verified; anything else is treated as bare bytecode.
func (s *Server) loadProgram(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing program data parameter")
	}

	var dataStr string
	if err := json.Unmarshal(args[0], &dataStr); err != nil {
		return nil, InvalidParamsError("invalid program data")
	}

	var cfg LoadConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &cfg); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}

	data, err := DecodeBytecode(dataStr, cfg.Encoding)
	if err != nil {
		return nil, InvalidParamsErrorf("decode program data: %v", err)
	}

	var p *program.Program
	if program.IsContainer(data) {
		p, err = program.Decode(data)
	} else {
		p, err = program.FromCode(data)
	}
	if err != nil {
		return nil, InvalidProgramError(err)
	}

	if _, err := s.store.Put(p, cfg.Label); err != nil {
		return nil, InternalServerErrorf("store program: %v", err)
	}

	return LoadResult{
		ProgramID: p.ID.String(),
		Checksum:  p.Checksum.String(),
		Size:      len(p.Code),
	}, nil
}

// assemble translates source text into bytecode, optionally storing it.
//
// Params: [source, {store, label, encoding}].
func (s *Server) assemble(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing source parameter")
	}

	var source string
	if err := json.Unmarshal(args[0], &source); err != nil {
		return nil, InvalidParamsError("invalid source")
	}

	var cfg AssembleConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &cfg); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}

	code, err := asm.Assemble(source)
	if err != nil {
		return nil, AssemblyError(err)
	}

	p, err := program.FromCode(code)
	if err != nil {
		return nil, InvalidProgramError(err)
	}

	if cfg.Store {
		if _, err := s.store.Put(p, cfg.Label); err != nil {
			return nil, InternalServerErrorf("store program: %v", err)
		}
	}

	encoded, err := EncodeBytecode(code, cfg.Encoding)
	if err != nil {
		return nil, InternalServerErrorf("encode bytecode: %v", err)
	}

	return AssembleResult{
		ProgramID: p.ID.String(),
		Checksum:  p.Checksum.String(),
		Size:      len(code),
		Bytecode:  encoded,
		Stored:    cfg.Store,
	}, nil
}

// getProgram returns a stored program with its bytecode.
//
// Params: [programId, {encoding, withDisassembly}].
func (s *Server) getProgram(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := parseProgramID(args)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var cfg GetProgramConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &cfg); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}

	p, meta, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrProgramNotFound) {
			return nil, ProgramNotFoundError(id.String())
		}
		return nil, InternalServerErrorf("get program: %v", err)
	}

	encoded, err := EncodeBytecode(p.Code, cfg.Encoding)
	if err != nil {
		return nil, InternalServerErrorf("encode bytecode: %v", err)
	}

	detail := ProgramDetail{
		ProgramInfo: programInfo(meta),
		Bytecode:    encoded,
	}
	if cfg.WithDisassembly {
		detail.Disassembly = asm.Disassemble(p.Code)
	}
	return detail, nil
}

// listPrograms returns metadata for all stored programs.
func (s *Server) listPrograms(params json.RawMessage) (interface{}, *RPCError) {
	metas, err := s.store.List()
	if err != nil {
		return nil, InternalServerErrorf("list programs: %v", err)
	}

	infos := make([]ProgramInfo, 0, len(metas))
	for i := range metas {
		infos = append(infos, programInfo(&metas[i]))
	}
	return infos, nil
}

// deleteProgram removes a stored program.
//
// Params: [programId].
func (s *Server) deleteProgram(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := parseProgramID(args)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if err := s.store.Delete(id); err != nil {
		if errors.Is(err, store.ErrProgramNotFound) {
			return nil, ProgramNotFoundError(id.String())
		}
		return nil, InternalServerErrorf("delete program: %v", err)
	}
	return true, nil
}

// disassemble returns a listing for a stored program.
//
// Params: [programId].
func (s *Server) disassemble(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := parseProgramID(args)
	if rpcErr != nil {
		return nil, rpcErr
	}

	p, _, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrProgramNotFound) {
			return nil, ProgramNotFoundError(id.String())
		}
		return nil, InternalServerErrorf("get program: %v", err)
	}

	return asm.Disassemble(p.Code), nil
}

// runProgram executes a stored program and records the run.
//
// Params: [programId, {trace}].
func (s *Server) runProgram(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := parseProgramID(args)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var cfg RunConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &cfg); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}

	p, _, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrProgramNotFound) {
			return nil, ProgramNotFoundError(id.String())
		}
		return nil, InternalServerErrorf("get program: %v", err)
	}

	rec, err := s.execute(p, cfg.Trace)
	if err != nil {
		return nil, InternalServerErrorf("run program: %v", err)
	}

	seq, err := s.runs.Append(rec)
	if err != nil {
		return nil, InternalServerErrorf("record run: %v", err)
	}
	rec.Seq = seq

	return runResult(rec), nil
}

// execute runs one program on a fresh machine and builds its run record.
// A runtime error is captured in the record rather than returned.
func (s *Server) execute(p *program.Program, trace bool) (*runlog.Record, error) {
	m, err := svm.New(p.Code)
	if err != nil {
		return nil, err
	}

	var out limitedBuffer
	out.limit = s.config.MaxOutputSize
	m.SetOutput(&out)
	m.SetTrace(trace)
	if s.spawn != nil {
		m.SetSpawnFunc(s.spawn)
	}

	var runErr string
	m.SetErrorHandler(func(msg string) {
		runErr = msg
	})

	rec := &runlog.Record{
		ProgramID: p.ID,
		StartedAt: time.Now().UTC(),
	}

	m.Run()
	rec.Duration = time.Since(rec.StartedAt)
	rec.Output = out.String()
	rec.CaptureMachine(m)

	if runErr != "" {
		rec.Status = runlog.StatusError
		rec.Error = runErr
	} else {
		rec.Status = runlog.StatusOK
	}
	return rec, nil
}

// limitedBuffer drops writes past its limit so a runaway program cannot
// hold the response hostage.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.limit > 0 && b.buf.Len()+len(p) > b.limit {
		if room := b.limit - b.buf.Len(); room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}

// getRun returns a recorded run by sequence number.
//
// Params: [seq].
func (s *Server) getRun(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing sequence parameter")
	}

	var seq uint64
	if err := json.Unmarshal(args[0], &seq); err != nil {
		return nil, InvalidParamsError("invalid sequence")
	}

	rec, err := s.runs.Get(seq)
	if err != nil {
		if errors.Is(err, runlog.ErrRunNotFound) {
			return nil, RunNotFoundError(seq)
		}
		return nil, InternalServerErrorf("get run: %v", err)
	}
	return runResult(rec), nil
}

// getRecentRuns returns the latest runs, newest first.
//
// Params: [limit] or [limit, programId].
func (s *Server) getRecentRuns(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	limit := 20
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &limit); err != nil {
			return nil, InvalidParamsError("invalid limit")
		}
	}
	if limit <= 0 || limit > 1000 {
		limit = 20
	}

	var records []runlog.Record
	var err error
	if len(args) > 1 {
		var idStr string
		if jsonErr := json.Unmarshal(args[1], &idStr); jsonErr != nil {
			return nil, InvalidParamsError("invalid program id")
		}
		id, idErr := types.ProgramIDFromBase58(idStr)
		if idErr != nil {
			return nil, InvalidParamsErrorf("invalid program id: %v", idErr)
		}
		records, err = s.runs.ByProgram(id, limit)
	} else {
		records, err = s.runs.Recent(limit)
	}
	if err != nil {
		return nil, InternalServerErrorf("list runs: %v", err)
	}

	results := make([]RunResult, 0, len(records))
	for i := range records {
		results = append(results, runResult(&records[i]))
	}
	return results, nil
}

// getHealth reports node health.
func (s *Server) getHealth(params json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

// getVersion reports the node version.
func (s *Server) getVersion(params json.RawMessage) (interface{}, *RPCError) {
	return VersionInfo{
		Version:   s.config.Version,
		GoRuntime: runtime.Version(),
	}, nil
}

func programInfo(meta *store.Meta) ProgramInfo {
	return ProgramInfo{
		ProgramID: meta.ID.String(),
		Checksum:  meta.Checksum.String(),
		Size:      meta.Size,
		Label:     meta.Label,
		CreatedAt: meta.CreatedAt,
	}
}

func runResult(rec *runlog.Record) RunResult {
	return RunResult{
		Seq:       rec.Seq,
		ProgramID: rec.ProgramID.String(),
		Status:    string(rec.Status),
		Output:    rec.Output,
		Error:     rec.Error,
		Registers: rec.Registers,
		ZFlag:     rec.ZFlag,
		StartedAt: rec.StartedAt.Format(time.RFC3339Nano),
		Duration:  rec.Duration.String(),
	}
}
