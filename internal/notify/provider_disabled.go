//go:build !protogen

package notify

// NewGRPCSMSSender requires generated proto clients (build with -tags protogen).
func NewGRPCSMSSender(_ string) (SMSSender, error) {
	return nil, nil
}
