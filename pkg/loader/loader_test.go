package loader

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/golana/internal/sample"
	"github.com/fortiblox/golana/internal/types"
	accountspkg "github.com/fortiblox/golana/pkg/accounts"
	"github.com/fortiblox/golana/pkg/bytecode"
	"github.com/fortiblox/golana/pkg/errcode"
	"github.com/fortiblox/golana/pkg/svm"
	"github.com/fortiblox/golana/pkg/svm/programs"
	"github.com/fortiblox/golana/pkg/svm/programs/system"
)

const handle = "counter"

type harness struct {
	t         *testing.T
	rt        *svm.Runtime
	ld        *Loader
	authority types.Pubkey
	content   []byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rt := svm.NewRuntime(accountspkg.NewMemoryDB(), svm.DefaultConfig())
	programs.RegisterBuiltins(rt)

	cfg := DefaultConfig()
	cfg.Registerer = prometheus.NewRegistry()
	ld, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(ld.Close)
	rt.Register(ProgramID, ld)

	authority := types.PubkeyFromSeed([]byte("authority"))
	require.NoError(t, rt.Airdrop(authority, 100_000_000_000))

	content, err := bytecode.Encode(sample.Counter())
	require.NoError(t, err)
	return &harness{t: t, rt: rt, ld: ld, authority: authority, content: content}
}

func (h *harness) process(ixs ...*svm.Instruction) (*svm.ExecutionResult, error) {
	return h.rt.Process(context.Background(), &svm.Transaction{Instructions: ixs})
}

func (h *harness) mustProcess(ixs ...*svm.Instruction) *svm.ExecutionResult {
	h.t.Helper()
	res, err := h.process(ixs...)
	require.NoError(h.t, err)
	require.True(h.t, res.Success)
	return res
}

func (h *harness) ix(ix *svm.Instruction, err error) *svm.Instruction {
	h.t.Helper()
	require.NoError(h.t, err)
	return ix
}

// create allocates and initializes the deployment accounts with room for
// capacity content bytes.
func (h *harness) create(capacity int) {
	h.t.Helper()
	ixs, err := CreateAccountsIxs(h.authority, handle, capacity, h.ld.ArenaSize())
	require.NoError(h.t, err)
	h.mustProcess(append(ixs, h.ix(InitializeIx(h.authority, handle)))...)
}

func (h *harness) upload(content []byte) {
	h.t.Helper()
	for _, chunk := range Chunks(content) {
		h.mustProcess(h.ix(WriteIx(h.authority, handle, chunk)))
	}
}

func (h *harness) finalize(step uint8) error {
	_, err := h.process(h.ix(FinalizeIx(h.authority, handle, step)))
	return err
}

func (h *harness) deploy() *Deployment {
	h.t.Helper()
	d, err := Deploy(context.Background(), h.rt, h.authority, handle, h.content, h.ld.ArenaSize(), nil)
	require.NoError(h.t, err)
	return d
}

func (h *harness) memDump() *MemDump {
	h.t.Helper()
	_, mdAddr, err := Addresses(h.authority, handle)
	require.NoError(h.t, err)
	acc, err := h.rt.DB().GetAccount(mdAddr)
	require.NoError(h.t, err)
	md, err := LoadMemDump(acc.Data, h.ld.ArenaSize())
	require.NoError(h.t, err)
	return md
}

func (h *harness) bytecodeAccount() *BytecodeAccount {
	h.t.Helper()
	bcAddr, _, err := Addresses(h.authority, handle)
	require.NoError(h.t, err)
	acc, err := h.rt.DB().GetAccount(bcAddr)
	require.NoError(h.t, err)
	bc, err := LoadBytecode(acc.Data)
	require.NoError(h.t, err)
	return bc
}

// newRecord creates a loader-owned account sized for the counter record.
func (h *harness) newRecord(seed string) types.Pubkey {
	h.t.Helper()
	record := types.PubkeyFromSeed([]byte(seed))
	h.mustProcess(system.CreateAccount(h.authority, record, svm.MinimumBalance(sample.RecordSize), sample.RecordSize, ProgramID))
	return record
}

func (h *harness) execute(d *Deployment, id string, args []byte, metas ...svm.AccountMeta) (*svm.ExecutionResult, error) {
	return h.process(h.ix(ExecuteIx(d.Bytecode, d.MemDump, id, args, metas)))
}

func (h *harness) count(record types.Pubkey) uint64 {
	h.t.Helper()
	acc, err := h.rt.DB().GetAccount(record)
	require.NoError(h.t, err)
	require.Len(h.t, acc.Data, sample.RecordSize)
	return binary.LittleEndian.Uint64(acc.Data[32:])
}

func amount(n uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, n)
}

func TestDeployAndExecute(t *testing.T) {
	h := newHarness(t)
	d := h.deploy()
	require.Equal(t, len(Chunks(h.content)), d.Writes)

	bc := h.bytecodeAccount()
	require.True(t, bc.Finalized)
	require.Equal(t, h.content, bc.Content())
	require.Equal(t, h.authority, bc.Authority)
	require.Equal(t, StepCheck, h.memDump().FinishedStep)
	for step, cu := range d.StepCU {
		require.NotZero(t, cu, "step %s", StepName(uint8(step)))
	}

	record := h.newRecord("record")
	user := svm.AccountMeta{Pubkey: h.authority, IsSigner: true}
	rec := svm.AccountMeta{Pubkey: record, IsWritable: true}

	_, err := h.execute(d, sample.IxInit, amount(41), user, rec)
	require.NoError(t, err)
	require.Equal(t, uint64(42), h.count(record))

	acc, err := h.rt.DB().GetAccount(record)
	require.NoError(t, err)
	require.Equal(t, h.authority[:], acc.Data[:32])

	res, err := h.execute(d, sample.IxBump, amount(8), user, rec)
	require.NoError(t, err)
	require.Contains(t, res.Logs, "Program log: count, 50")
	require.Equal(t, uint64(50), h.count(record))

	// A read-only view is never written back.
	res, err = h.execute(d, sample.IxPeek, nil, svm.AccountMeta{Pubkey: record})
	require.NoError(t, err)
	require.Contains(t, res.Logs, "Program log: peek, 50")
	require.Equal(t, uint64(50), h.count(record))

	require.Equal(t, 1.0, testutil.ToFloat64(h.ld.metrics.finalizeSteps.WithLabelValues("check")))
	require.Equal(t, 3.0, testutil.ToFloat64(h.ld.metrics.executions.WithLabelValues("success")))
}

func TestSwappedAccounts(t *testing.T) {
	h := newHarness(t)
	d := h.deploy()
	record := h.newRecord("record")
	user := svm.AccountMeta{Pubkey: h.authority, IsSigner: true}
	rec := svm.AccountMeta{Pubkey: record, IsWritable: true}
	_, err := h.execute(d, sample.IxInit, amount(1), user, rec)
	require.NoError(t, err)

	res, err := h.execute(d, sample.IxBump, amount(5), rec, user)
	require.ErrorIs(t, err, errcode.RtCheckSigner)
	require.False(t, res.Success)
	require.Equal(t, uint64(2), h.count(record))
	require.Equal(t, 1.0, testutil.ToFloat64(h.ld.metrics.executions.WithLabelValues("failure")))
}

func TestExecuteChecks(t *testing.T) {
	h := newHarness(t)
	d := h.deploy()
	record := h.newRecord("record")
	user := svm.AccountMeta{Pubkey: h.authority, IsSigner: true}
	rec := svm.AccountMeta{Pubkey: record, IsWritable: true}

	_, err := h.execute(d, "IxMissing", nil, user, rec)
	require.ErrorIs(t, err, errcode.RtCheckBadIxId)

	_, err = h.execute(d, sample.IxInit, amount(1), user)
	require.ErrorIs(t, err, errcode.RtCheckAccountCount)

	_, err = h.execute(d, sample.IxInit, amount(1), user, svm.AccountMeta{Pubkey: record})
	require.ErrorIs(t, err, errcode.RtCheckMutable)

	// The guest rejects a bump from someone other than the owner.
	_, err = h.execute(d, sample.IxInit, amount(1), user, rec)
	require.NoError(t, err)
	mallory := types.PubkeyFromSeed([]byte("mallory"))
	_, err = h.execute(d, sample.IxBump, amount(1), svm.AccountMeta{Pubkey: mallory, IsSigner: true}, rec)
	require.Error(t, err)
	require.Equal(t, uint64(2), h.count(record))
}

func TestExecuteBeforeFinalize(t *testing.T) {
	h := newHarness(t)
	h.create(len(h.content))
	h.upload(h.content)
	require.NoError(t, h.finalize(StepInit))

	bcAddr, mdAddr, err := Addresses(h.authority, handle)
	require.NoError(t, err)
	_, err = h.process(h.ix(ExecuteIx(bcAddr, mdAddr, sample.IxPeek, nil, nil)))
	require.ErrorIs(t, err, errcode.NotFinalized)
}

func TestFinalizeSkipLeavesStep(t *testing.T) {
	h := newHarness(t)
	h.create(len(h.content))
	h.upload(h.content)

	require.ErrorIs(t, h.finalize(StepDeserializeMetas), errcode.WrongFinalizeStep)
	require.Equal(t, StepNone, h.memDump().FinishedStep)

	require.NoError(t, h.finalize(StepInit))
	require.ErrorIs(t, h.finalize(StepDeserializeFuncs), errcode.WrongFinalizeStep)
	require.ErrorIs(t, h.finalize(StepInit), errcode.WrongFinalizeStep)
	require.Equal(t, StepInit, h.memDump().FinishedStep)

	for step := StepDeserializeMetas; step <= StepCheck; step++ {
		require.NoError(t, h.finalize(step), "step %s", StepName(step))
	}
	require.ErrorIs(t, h.finalize(StepCheck+1), errcode.WrongFinalizeStep)
	require.True(t, h.bytecodeAccount().Finalized)
}

func TestWriteRules(t *testing.T) {
	h := newHarness(t)
	h.create(len(h.content))
	h.upload(h.content)

	_, err := h.process(h.ix(WriteIx(h.authority, handle, []byte{1})))
	require.ErrorIs(t, err, errcode.ContentOverflow)

	bcAddr, _, err := Addresses(h.authority, handle)
	require.NoError(t, err)
	mallory := types.PubkeyFromSeed([]byte("mallory"))
	forged := h.ix(WriteIx(h.authority, handle, nil))
	forged.Accounts[0].Pubkey = mallory
	require.Equal(t, bcAddr, forged.Accounts[1].Pubkey)
	_, err = h.process(forged)
	require.ErrorIs(t, err, errcode.Unauthorized)

	for step := StepInit; step <= StepCheck; step++ {
		require.NoError(t, h.finalize(step))
	}
	_, err = h.process(h.ix(WriteIx(h.authority, handle, nil)))
	require.ErrorIs(t, err, errcode.AlreadyFinalized)
}

func TestContentChangedDuringFinalize(t *testing.T) {
	h := newHarness(t)
	h.create(len(h.content) + 16)
	h.upload(h.content)
	require.NoError(t, h.finalize(StepInit))

	h.upload([]byte{0xff})
	require.ErrorIs(t, h.finalize(StepDeserializeMetas), errcode.ContentChanged)
	require.Equal(t, StepInit, h.memDump().FinishedStep)
}

func TestMalformedBytecode(t *testing.T) {
	h := newHarness(t)
	h.content = []byte("not bytecode")
	h.create(len(h.content))
	h.upload(h.content)
	require.ErrorIs(t, h.finalize(StepInit), errcode.MalformedBytecode)

	// A valid header followed by a truncated section fails at its step.
	h2 := newHarness(t)
	h2.content = h2.content[:bytecode.HeaderLen+6]
	h2.create(len(h2.content))
	h2.upload(h2.content)
	require.NoError(t, h2.finalize(StepInit))
	require.ErrorIs(t, h2.finalize(StepDeserializeMetas), errcode.MalformedBytecode)
}

func TestInitializeChecks(t *testing.T) {
	h := newHarness(t)

	_, err := InitializeIx(h.authority, "a-handle-that-is-far-too-long-for-a-seed")
	require.ErrorIs(t, err, errcode.HandleTooLong)

	ix := h.ix(InitializeIx(h.authority, "other"))
	bcAddr, mdAddr, err := Addresses(h.authority, handle)
	require.NoError(t, err)
	ix.Accounts[1].Pubkey, ix.Accounts[2].Pubkey = bcAddr, mdAddr
	_, err = h.process(ix)
	require.ErrorIs(t, err, errcode.WrongHandle)

	// Accounts not yet allocated belong to the system program.
	_, err = h.process(h.ix(InitializeIx(h.authority, handle)))
	require.ErrorIs(t, err, ErrNotOwned)

	h.create(len(h.content))
	_, err = h.process(h.ix(InitializeIx(h.authority, handle)))
	require.ErrorIs(t, err, ErrAccountInUse)
}

func TestMemDumpSizeMustMatchArena(t *testing.T) {
	h := newHarness(t)
	ixs, err := CreateAccountsIxs(h.authority, handle, len(h.content), h.ld.ArenaSize()-8)
	require.NoError(t, err)
	_, err = h.process(append(ixs, h.ix(InitializeIx(h.authority, handle)))...)
	require.ErrorIs(t, err, ErrMemDumpSize)
}

func TestClearAndRedeploy(t *testing.T) {
	h := newHarness(t)
	d := h.deploy()
	before, err := h.rt.DB().GetAccount(d.Bytecode)
	require.NoError(t, err)

	newSize := uint64(len(h.content) + 1000)
	h.mustProcess(h.ix(ClearIx(h.authority, handle, newSize)))

	acc, err := h.rt.DB().GetAccount(d.Bytecode)
	require.NoError(t, err)
	require.Len(t, acc.Data, BytecodeHeaderLen+int(newSize))
	require.Equal(t, svm.MinimumBalance(uint64(len(acc.Data))), acc.Lamports)
	require.Greater(t, acc.Lamports, before.Lamports)

	bc := h.bytecodeAccount()
	require.False(t, bc.Finalized)
	require.Zero(t, bc.ContentSize)
	require.Equal(t, StepNone, h.memDump().FinishedStep)

	record := h.newRecord("record")
	_, err = h.execute(d, sample.IxInit, amount(1), svm.AccountMeta{Pubkey: h.authority, IsSigner: true}, svm.AccountMeta{Pubkey: record, IsWritable: true})
	require.ErrorIs(t, err, errcode.NotFinalized)

	d2, err := Upload(context.Background(), h.rt, h.authority, handle, h.content, nil)
	require.NoError(t, err)
	require.Equal(t, d.MemDump, d2.MemDump)
	_, err = h.execute(d, sample.IxInit, amount(1), svm.AccountMeta{Pubkey: h.authority, IsSigner: true}, svm.AccountMeta{Pubkey: record, IsWritable: true})
	require.NoError(t, err)
	require.Equal(t, uint64(2), h.count(record))
}

func TestMetadata(t *testing.T) {
	h := newHarness(t)
	d := h.deploy()
	acc, err := h.rt.DB().GetAccount(d.MemDump)
	require.NoError(t, err)

	md, err := h.ld.Metadata(acc.Data)
	require.NoError(t, err)
	names := make([]string, len(md.Instructions))
	for i, ix := range md.Instructions {
		names[i] = ix.Name
	}
	require.Equal(t, []string{sample.IxInit, sample.IxBump, sample.IxPeek}, names)
}

func TestChunks(t *testing.T) {
	content := make([]byte, 2*ChunkSize+300)
	for i := range content {
		content[i] = byte(i)
	}
	chunks := Chunks(content)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], ChunkSize)
	require.Len(t, chunks[1], ChunkSize)
	require.Len(t, chunks[2], 300)

	var joined []byte
	for _, c := range chunks {
		joined = append(joined, c...)
	}
	require.Equal(t, content, joined)
	require.Empty(t, Chunks(nil))
}

func TestInvalidInstruction(t *testing.T) {
	h := newHarness(t)
	_, err := h.process(&svm.Instruction{ProgramID: ProgramID, Data: []byte{1, 2, 3}})
	require.ErrorIs(t, err, ErrInvalidInstruction)

	ix := h.ix(FinalizeIx(h.authority, handle, StepInit))
	ix.Data = append(ix.Data, 0)
	_, err = h.process(ix)
	require.ErrorIs(t, err, ErrInvalidInstruction)
}

func TestDescribe(t *testing.T) {
	authority := types.PubkeyFromSeed([]byte("authority"))
	ix := func(ix *svm.Instruction, err error) *svm.Instruction {
		require.NoError(t, err)
		return ix
	}
	require.Equal(t, "initialize counter", Describe(ix(InitializeIx(authority, handle))))
	require.Equal(t, "clear counter to 10 bytes", Describe(ix(ClearIx(authority, handle, 10))))
	require.Equal(t, "write 3 bytes", Describe(ix(WriteIx(authority, handle, []byte{1, 2, 3}))))
	require.Equal(t, "finalize check", Describe(ix(FinalizeIx(authority, handle, StepCheck))))
	require.Equal(t, "execute IxBump", Describe(ix(ExecuteIx(authority, authority, sample.IxBump, nil, nil))))
	require.Equal(t, "unknown", Describe(&svm.Instruction{ProgramID: ProgramID, Data: make([]byte, 8)}))
	require.Empty(t, Describe(system.Transfer(authority, authority, 1)))
}
