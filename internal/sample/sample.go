// Package sample builds the counter program used by tests and by
// "golana sample".
package sample

import "github.com/fortiblox/golana/pkg/bytecode"

// RecordSize is the encoded size of main.Record.
const RecordSize = 32 + 8

// Handler names.
const (
	IxInit = "IxInit"
	IxBump = "IxBump"
	IxPeek = "IxPeek"
)

// Counter returns a program with three handlers over a Record{Owner,
// Count} account:
//
//	IxInit(user signer, record mut, record_data init, amount u64)
//	IxBump(user signer, record mut, record_data mut, amount u64)
//	IxPeek(record, record_data read-only)
//
// IxInit stores the caller as owner and amount+1 as the count. IxBump
// adds amount when called by the owner. IxPeek zeroes its read-only view
// and commits it, which must not reach the ledger.
func Counter() *bytecode.Bytecode {
	b := bytecode.NewBuilder()
	sol := b.SupportPackage()
	main := b.Package("main", "example.com/counter")
	b.SetMain(main)

	u64 := b.Basic(bytecode.KindUint64)
	acct := sol.AccountInfo.Ptr()
	rec := b.Named(main, "Record", b.Struct(
		bytecode.Field{Name: "Owner", Type: sol.PublicKey},
		bytecode.Field{Name: "Count", Type: u64},
	))

	ixInit := b.Named(main, IxInit, b.Struct(
		bytecode.Field{Name: "user", Type: acct, Tag: `golana:"signer"`},
		bytecode.Field{Name: "record", Type: acct, Tag: `golana:"mut"`},
		bytecode.Field{Name: "record_data", Type: rec.Ptr(), Tag: `golana:"init"`},
		bytecode.Field{Name: "amount", Type: u64},
	))
	b.Method(ixInit, "Process", true, `
	this.record_data.Owner = this.user.Key;
	this.record_data.Count = this.amount + 1n;
	solana.commit_everything();
`)

	ixBump := b.Named(main, IxBump, b.Struct(
		bytecode.Field{Name: "user", Type: acct, Tag: `golana:"signer"`},
		bytecode.Field{Name: "record", Type: acct, Tag: `golana:"mut"`},
		bytecode.Field{Name: "record_data", Type: rec.Ptr(), Tag: `golana:"mut"`},
		bytecode.Field{Name: "amount", Type: u64},
	))
	b.Method(ixBump, "Process", true, `
	if (this.record_data.Owner !== this.user.Key) {
		throw new Error("not the record owner");
	}
	this.record_data.Count += this.amount;
	solana.commit_data(this.record);
	fmt2.println("count", this.record_data.Count);
`)

	ixPeek := b.Named(main, IxPeek, b.Struct(
		bytecode.Field{Name: "record", Type: acct},
		bytecode.Field{Name: "record_data", Type: rec.Ptr()},
	))
	b.Method(ixPeek, "Process", true, `
	fmt2.println("peek", this.record_data.Count);
	this.record_data.Count = 0n;
	solana.commit_data(this.record);
`)

	b.SetEntry(b.Func(main, "main", ""))
	b.File("counter.go", 1024)
	return b.Build()
}
