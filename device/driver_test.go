package device

import (
	"sort"
	"testing"
)

func TestDriverInfoListSorting(t *testing.T) {
	origlist := DriverInfoList{
		{Order: DetectOrderDevices},
		{Order: DetectOrderLast},
		{Order: DetectOrderInterrupts},
		{Order: DetectOrderEarly},
	}

	sorted := append(DriverInfoList(nil), origlist...)
	sort.Sort(sorted)

	expOrder := []int{3, 2, 0, 1}
	for i, exp := range expOrder {
		if sorted[i] != origlist[exp] {
			t.Errorf("expected sorted entry %d to be entry %d of the original list", i, exp)
		}
	}
}
