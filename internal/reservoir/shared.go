package reservoir

import (
	"github.com/shiva/commuter-core/internal/model"
	"github.com/shiva/commuter-core/pkg/geo"
)

func distanceM(a, b model.Location) float64 {
	return geo.HaversineM(a, b)
}
