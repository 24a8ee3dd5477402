package cart

import (
	"slices"

	"farmapos/internal/domain"
)

// Groups projects the ledger into the cashier-visible grouped view. batches
// is the current catalog snapshot; MaxAllowed for each group is the summed
// live stock of all batches sharing the group key, used by the UI to cap
// manual quantity entry. The projection owns no state and must be recomputed
// after every mutation.
func Groups(ledger *Ledger, batches []domain.Batch) []domain.CartGroup {
	lines := ledger.Lines()
	byKey := make(map[string]*domain.CartGroup, len(lines))
	keyOrder := make([]string, 0, len(lines))

	for _, line := range lines {
		key := line.GroupKey().CacheKey()
		group, ok := byKey[key]
		if !ok {
			group = &domain.CartGroup{
				Name:      line.Name,
				UnitPrice: line.UnitPrice,
				Lines:     make([]domain.CartLine, 0, 2),
			}
			byKey[key] = group
			keyOrder = append(keyOrder, key)
		}
		group.TotalQuantity += line.Quantity
		group.Lines = append(group.Lines, line)
	}

	for _, batch := range batches {
		if group, ok := byKey[batch.GroupKey().CacheKey()]; ok {
			group.MaxAllowed += batch.StockQuantity
		}
	}

	result := make([]domain.CartGroup, 0, len(keyOrder))
	for _, key := range keyOrder {
		result = append(result, *byKey[key])
	}
	slices.SortStableFunc(result, func(a, b domain.CartGroup) int {
		if a.Name == b.Name {
			return a.UnitPrice.Cmp(b.UnitPrice)
		}
		if a.Name < b.Name {
			return -1
		}
		return 1
	})
	return result
}
