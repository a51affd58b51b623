//go:build identity_export

package identity

// ExportSeed returns the 32-byte Ed25519 seed. Only compiled with the
// identity_export build tag, for offline key escrow tooling.
func (i *Identity) ExportSeed() []byte {
	return append([]byte(nil), i.priv.Seed()...)
}
