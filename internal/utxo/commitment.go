package utxo

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-fees/pkg/types"
)

// Commitment returns a digest over the unspent set as seen through all open
// batches. Replicas that applied the same batches get the same commitment.
func (c *Cache) Commitment() (types.Hash, error) {
	root, err := c.st.Root(prefixUnspent)
	if err != nil {
		return types.Hash{}, fmt.Errorf("utxo commitment: %w", err)
	}
	return root, nil
}
