package ffi

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/accounts"
	"github.com/fortiblox/golana/pkg/bridge"
	"github.com/fortiblox/golana/pkg/bytecode"
	"github.com/fortiblox/golana/pkg/checker"
	"github.com/fortiblox/golana/pkg/engine"
	"github.com/fortiblox/golana/pkg/errcode"
	"github.com/fortiblox/golana/pkg/svm"
	"github.com/fortiblox/golana/pkg/svm/programs"
	"github.com/fortiblox/golana/pkg/svm/programs/system"
	"github.com/fortiblox/golana/pkg/svm/programs/token"
	"github.com/fortiblox/golana/pkg/value"
)

var guestID = types.PubkeyFromSeed([]byte("vault-bytecode"))

// vaultProgram exercises the host library from guest code.
func vaultProgram() *bytecode.Bytecode {
	b := bytecode.NewBuilder()
	sol := b.SupportPackage()
	main := b.Package("main", "example.com/vault")
	b.SetMain(main)

	acct := sol.AccountInfo.Ptr()
	u64 := b.Basic(bytecode.KindUint64)
	rec := b.Named(main, "Record", b.Struct(
		bytecode.Field{Name: "Owner", Type: sol.PublicKey},
		bytecode.Field{Name: "Count", Type: u64},
	))
	field := func(name, tag string) bytecode.Field {
		return bytecode.Field{Name: name, Type: acct, Tag: tag}
	}
	handler := func(name, src string, fields ...bytecode.Field) {
		h := b.Named(main, name, b.Struct(fields...))
		b.Method(h, "Process", true, src)
	}
	loader := types.LoaderProgramAddr.String()

	handler("IxInfo", `
	if (solana.get_ix() !== this) {
		throw new Error("get_ix");
	}
	solana.set_lamports(this.record, solana.account_lamports(this.record) - 10n);
	solana.set_lamports(this.payer, solana.account_lamports(this.payer) + 10n);
	solana.commit_lamports(this.record);
	solana.commit_lamports(this.payer);
	const d = solana.account_data(this.record);
	d.Count += 5n;
	solana.save_data(this.record, d);
	fmt2.println("key", solana.account_key(this.record) === this.record.Key, math2.geometry_mean(4n, 9n));
`,
		field("payer", `golana:"signer, mut"`),
		field("record", `golana:"mut"`),
		bytecode.Field{Name: "record_data", Type: rec.Ptr(), Tag: `golana:"mut"`},
	)

	handler("IxSaveReadOnly", `
	this.record_data.Count = 99n;
	solana.save_data(this.record, this.record_data);
`,
		field("record", `golana:"mut"`),
		bytecode.Field{Name: "record_data", Type: rec.Ptr()},
	)

	handler("IxCreate", fmt.Sprintf(`
	const [pda, bump] = solana.find_program_address("vault", solana.get_id());
	if (pda !== this.vault.Key) {
		throw new Error("pda mismatch");
	}
	const err = solana.create_account(this.payer, this.vault, %q, 2000000n, 40n, [{Seed: "vault", Bump: bump}]);
	if (err !== null) {
		throw new Error(solana.error_string(err));
	}
`, loader),
		field("payer", `golana:"signer, mut"`),
		field("vault", `golana:"mut"`),
	)

	handler("IxUnsigned", fmt.Sprintf(`
	const err = solana.create_account(this.payer, this.vault, %q, 2000000n, 40n, null);
	fmt2.println("unsigned", solana.error_string(err));
`, loader),
		field("payer", `golana:"signer, mut"`),
		field("vault", `golana:"mut"`),
	)

	handler("IxToken", `
	const [pda, bump] = solana.find_program_address("tokens", solana.get_id());
	const err = token.create_and_init_account(this.payer, this.vault, this.mint, pda, [{Seed: "tokens", Bump: bump}]);
	if (err !== null) {
		throw new Error(solana.error_string(err));
	}
	const [acc, e] = token.unpack_account(this.vault);
	fmt2.println(acc.Owner === pda, acc.Mint === this.mint.Key, acc.Amount, e);
	fmt2.println(solana.error_string(token.set_authority(this.vault, this.payer, null, 9, null)));
`,
		field("payer", `golana:"signer, mut"`),
		field("mint", ""),
		field("vault", `golana:"mut"`),
	)

	handler("IxPure", `
	const [q, e1] = math2.scaled_mul(10n, 20n, 3n);
	const [, e2] = math2.scaled_mul(18446744073709551615n, 2n, 1n);
	const [, e3] = math2.scaled_mul(1n, 1n, 0n);
	fmt2.println(q, e1, solana.error_string(e2), solana.error_string(e3), math2.geometry_mean(18446744073709551615n, 18446744073709551615n));
	fmt2.println(hash.sha256("abc"));
	solana.log("done");
`,
		field("user", `golana:"signer"`),
	)

	handler("IxBadIndex", `solana.account_key(7);`, field("user", `golana:"signer"`))

	b.SetEntry(b.Func(main, "main", ""))
	b.File("vault.go", 2048)
	return b.Build()
}

type harness struct {
	rt    *svm.Runtime
	db    *accounts.MemoryDB
	payer types.Pubkey
}

// newHarness registers a loader that runs vaultProgram handlers named by
// the instruction data.
func newHarness(t *testing.T, imports *Imports) *harness {
	t.Helper()
	bc := vaultProgram()
	md, err := checker.Check(bc)
	require.NoError(t, err)
	table := bridge.NewTable(md)
	codec := value.NewCodec(bc)
	eng, err := engine.NewGoja(bc, engine.DefaultConfig())
	require.NoError(t, err)

	db := accounts.NewMemoryDB()
	rt := svm.NewRuntime(db, svm.DefaultConfig())
	programs.RegisterBuiltins(rt)
	rt.Register(types.LoaderProgramAddr, svm.ProgramFunc(func(ctx svm.InvokeContext, data []byte) error {
		ix, err := bridge.New(table, codec, string(data), ctx.Accounts(), nil)
		if err != nil {
			return err
		}
		ci := &CallInfo{Ix: ix, Ctx: ctx, Program: guestID, Log: zap.NewNop()}
		return ix.Run(ctx.Context(), eng, imports.Bind(ci))
	}))

	h := &harness{rt: rt, db: db, payer: types.PubkeyFromSeed([]byte("payer"))}
	require.NoError(t, rt.Airdrop(h.payer, 10_000_000))
	return h
}

func (h *harness) exec(name string, metas ...svm.AccountMeta) (*svm.ExecutionResult, error) {
	return h.rt.Process(context.Background(), &svm.Transaction{
		Instructions: []*svm.Instruction{{ProgramID: types.LoaderProgramAddr, Accounts: metas, Data: []byte(name)}},
	})
}

func (h *harness) payerMeta() svm.AccountMeta {
	return svm.AccountMeta{Pubkey: h.payer, IsSigner: true, IsWritable: true}
}

func TestAccountCalls(t *testing.T) {
	h := newHarness(t, DefaultImports())
	rec := types.PubkeyFromSeed([]byte("record"))
	data := make([]byte, 40)
	copy(data, h.payer[:])
	data[32] = 7
	require.NoError(t, h.db.SetAccount(rec, &accounts.Account{
		Lamports: 1_000_000,
		Owner:    types.LoaderProgramAddr,
		Data:     data,
	}))

	res, err := h.exec("IxInfo", h.payerMeta(), svm.AccountMeta{Pubkey: rec, IsWritable: true})
	require.NoError(t, err, "logs: %v", res.Logs)
	require.Contains(t, res.Logs, "Program log: key, true, 6")

	acc, err := h.db.GetAccount(rec)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000-10), acc.Lamports)
	require.Equal(t, byte(12), acc.Data[32])

	payer, err := h.db.GetAccount(h.payer)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_010), payer.Lamports)
}

func TestSaveDataRejectsReadOnlySlot(t *testing.T) {
	h := newHarness(t, DefaultImports())
	rec := types.PubkeyFromSeed([]byte("record"))
	data := make([]byte, 40)
	data[32] = 7
	require.NoError(t, h.db.SetAccount(rec, &accounts.Account{
		Lamports: 1_000_000,
		Owner:    types.LoaderProgramAddr,
		Data:     data,
	}))

	_, err := h.exec("IxSaveReadOnly", svm.AccountMeta{Pubkey: rec, IsWritable: true})
	require.ErrorIs(t, err, errcode.RtCheckMutable)

	acc, err := h.db.GetAccount(rec)
	require.NoError(t, err)
	require.Equal(t, data, acc.Data)
}

func TestCreateAccountSignedByPDA(t *testing.T) {
	h := newHarness(t, DefaultImports())
	vault, _, err := svm.FindProgramAddress([][]byte{SeedHash(guestID, []byte("vault"))}, types.LoaderProgramAddr)
	require.NoError(t, err)

	res, err := h.exec("IxCreate", h.payerMeta(), svm.AccountMeta{Pubkey: vault, IsWritable: true})
	require.NoError(t, err, "logs: %v", res.Logs)

	acc, err := h.db.GetAccount(vault)
	require.NoError(t, err)
	require.Equal(t, types.LoaderProgramAddr, acc.Owner)
	require.Equal(t, uint64(2_000_000), acc.Lamports)
	require.Len(t, acc.Data, 40)
}

func TestRejectedCallIsGuestValue(t *testing.T) {
	h := newHarness(t, DefaultImports())
	vault := types.PubkeyFromSeed([]byte("not-a-signer"))

	res, err := h.exec("IxUnsigned", h.payerMeta(), svm.AccountMeta{Pubkey: vault, IsWritable: true})
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Contains(t, res.Logs, fmt.Sprintf("Program log: unsigned, %v: %s signer", svm.ErrCPIPrivilegeEscalation, vault))
	ok, err := h.db.HasAccount(vault)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTokenCalls(t *testing.T) {
	h := newHarness(t, DefaultImports())
	mint := types.PubkeyFromSeed([]byte("mint"))
	_, err := h.rt.Process(context.Background(), &svm.Transaction{Instructions: []*svm.Instruction{
		system.CreateAccount(h.payer, mint, svm.MinimumBalance(token.MintLen), token.MintLen, token.ProgramID),
		token.InitializeMint2(mint, 6, h.payer, nil),
	}})
	require.NoError(t, err)

	vault, _, err := svm.FindProgramAddress([][]byte{SeedHash(guestID, []byte("tokens"))}, types.LoaderProgramAddr)
	require.NoError(t, err)
	res, err := h.exec("IxToken",
		h.payerMeta(),
		svm.AccountMeta{Pubkey: mint},
		svm.AccountMeta{Pubkey: vault, IsWritable: true},
	)
	require.NoError(t, err, "logs: %v", res.Logs)
	require.Contains(t, res.Logs, "Program log: true, true, 0, <nil>")
	require.Contains(t, res.Logs, fmt.Sprintf("Program log: %v: 9", errcode.BadAuthorityType))

	acc, err := h.db.GetAccount(vault)
	require.NoError(t, err)
	require.Equal(t, token.ProgramID, acc.Owner)
	state, err := token.UnpackAccount(acc.Data)
	require.NoError(t, err)
	require.Equal(t, vault, state.Owner)
}

func TestHostCallsAreCharged(t *testing.T) {
	imports := DefaultImports()
	expensive := imports.Clone()
	require.True(t, expensive.SetCost("fmt2", "println", svm.CUMax))
	require.False(t, expensive.SetCost("fmt2", "printf", 1))
	require.False(t, expensive.SetCost("nope", "println", 1))
	require.Equal(t, svm.CULogBase, imports.Modules["fmt2"].HostFunctions["println"].Cost)

	h := newHarness(t, expensive)
	rec := types.PubkeyFromSeed([]byte("record"))
	require.NoError(t, h.db.SetAccount(rec, &accounts.Account{
		Lamports: 1_000_000,
		Owner:    types.LoaderProgramAddr,
		Data:     make([]byte, 40),
	}))
	_, err := h.exec("IxInfo", h.payerMeta(), svm.AccountMeta{Pubkey: rec, IsWritable: true})
	require.ErrorIs(t, err, svm.ErrComputeExceeded)
}

// runPure runs a handler outside any transaction and returns the guest's
// log lines.
func runPure(t *testing.T, name string) ([]string, error) {
	t.Helper()
	bc := vaultProgram()
	md, err := checker.Check(bc)
	require.NoError(t, err)
	eng, err := engine.NewGoja(bc, engine.DefaultConfig())
	require.NoError(t, err)

	user := &svm.AccountInfo{Key: types.PubkeyFromSeed([]byte("user")), IsSigner: true}
	ix, err := bridge.New(bridge.NewTable(md), value.NewCodec(bc), name, []*svm.AccountInfo{user}, nil)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	ci := &CallInfo{Ix: ix, Program: guestID, Log: zap.New(core)}
	err = ix.Run(context.Background(), eng, DefaultImports().Bind(ci))

	var lines []string
	for _, e := range logs.FilterMessage("guest log").All() {
		lines = append(lines, e.ContextMap()["msg"].(string))
	}
	return lines, err
}

func TestPureCalls(t *testing.T) {
	lines, err := runPure(t, "IxPure")
	require.NoError(t, err)
	require.Equal(t, []string{
		"66, <nil>, math overflow, divide by zero, 18446744073709551615",
		"0xba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		"done",
	}, lines)
}

func TestMisuseIsFatal(t *testing.T) {
	_, err := runPure(t, "IxBadIndex")
	require.ErrorIs(t, err, bridge.ErrAccountIndex)
}

func TestMath(t *testing.T) {
	require.Equal(t, uint64(6), GeometryMean(4, 9))
	require.Equal(t, uint64(math.MaxUint64), GeometryMean(math.MaxUint64, math.MaxUint64))
	require.Equal(t, uint64(0), GeometryMean(0, math.MaxUint64))

	z, err := ScaledMul(math.MaxUint64, 3, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(13835058055282163711), z)
	_, err = ScaledMul(math.MaxUint64, 2, 1)
	require.ErrorIs(t, err, ErrMathOverflow)
	_, err = ScaledMul(1, 1, 0)
	require.ErrorIs(t, err, ErrDivideByZero)
}

func TestSignerSeeds(t *testing.T) {
	require.Nil(t, SignerSeeds(guestID, nil))
	groups := SignerSeeds(guestID, []engine.Seed{{Seed: "a", Bump: 254}, {Seed: "b", Bump: 1}})
	require.Len(t, groups, 2)
	require.Equal(t, SeedHash(guestID, []byte("a")), groups[0][0])
	require.Equal(t, []byte{254}, groups[0][1])
	require.Len(t, groups[1][0], 32)
	require.NotEqual(t, SeedHash(guestID, []byte("a")), SeedHash(types.LoaderProgramAddr, []byte("a")))
}

func TestImportNames(t *testing.T) {
	require.Equal(t, []string{"fmt2", "hash", "math2", "solana", "token"}, DefaultImports().Names())
}
