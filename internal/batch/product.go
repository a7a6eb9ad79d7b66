package batch

// Product is the enumerated discriminant. Names outside the table map to
// ProductUnknown and run through the single-command strategy.
type Product int

const (
	ProductUnknown Product = iota
	ProductLS8NBAR
	ProductLS7NBAR
	ProductLS8NBART
	ProductLS7NBART
	ProductLS8PQ
	ProductLS7PQ
	ProductLS8PQLegacy
	ProductLS7PQLegacy
	ProductS2ARDGranule
	ProductWOfSAlbers
	ProductLS8FCAlbers
	ProductLS7FCAlbers
)

// Strategy names the command-list expansion used for a product.
type Strategy int

const (
	StrategySingle Strategy = iota
	StrategySceneSync
	StrategyGranuleSync
	StrategyWindowed
)

func (s Strategy) String() string {
	switch s {
	case StrategySceneSync:
		return "scene-sync"
	case StrategyGranuleSync:
		return "granule-sync"
	case StrategyWindowed:
		return "windowed-conversion"
	default:
		return "single"
	}
}

// Location is the base path and suffix a sync strategy wraps around each
// year (scene) or year-month (granule).
type Location struct {
	BasePath string `yaml:"base_path" json:"base_path" bson:"base_path" validate:"required"`
	Suffix   string `yaml:"suffix" json:"suffix" bson:"suffix"`
}

// Target is the upload destination a windowed conversion writes to.
type Target struct {
	S3Output string
	Tag      string
}

// variant carries everything a strategy needs for one product.
type variant struct {
	name     string
	strategy Strategy
	location Location
	target   Target
}

var variants = map[Product]variant{
	ProductLS8NBAR:     {name: "ls8_nbar", strategy: StrategySceneSync, location: Location{"/g/data/rs0/scenes/nbar-scenes-tmp/ls8/", "/output/nbar/"}},
	ProductLS7NBAR:     {name: "ls7_nbar", strategy: StrategySceneSync, location: Location{"/g/data/rs0/scenes/nbar-scenes-tmp/ls7/", "/output/nbar/"}},
	ProductLS8NBART:    {name: "ls8_nbart", strategy: StrategySceneSync, location: Location{"/g/data/rs0/scenes/nbar-scenes-tmp/ls8/", "/output/nbart/"}},
	ProductLS7NBART:    {name: "ls7_nbart", strategy: StrategySceneSync, location: Location{"/g/data/rs0/scenes/nbar-scenes-tmp/ls7/", "/output/nbart/"}},
	ProductLS8PQ:       {name: "ls8_pq", strategy: StrategySceneSync, location: Location{"/g/data/rs0/scenes/pq-scenes-tmp/ls8/", "/output/pqa/"}},
	ProductLS7PQ:       {name: "ls7_pq", strategy: StrategySceneSync, location: Location{"/g/data/rs0/scenes/pq-scenes-tmp/ls7/", "/output/pqa/"}},
	ProductLS8PQLegacy: {name: "ls8_pq_legacy", strategy: StrategySceneSync, location: Location{"/g/data/rs0/scenes/pq-legacy-scenes-tmp/ls8/", "/output/pqa/"}},
	ProductLS7PQLegacy: {name: "ls7_pq_legacy", strategy: StrategySceneSync, location: Location{"/g/data/rs0/scenes/pq-legacy-scenes-tmp/ls7/", "/output/pqa/"}},

	ProductS2ARDGranule: {name: "s2_ard_granule", strategy: StrategyGranuleSync, location: Location{BasePath: "/g/data/if87/datacube/002/S2_MSI_ARD/packaged/"}},

	ProductWOfSAlbers:  {name: "wofs_albers", strategy: StrategyWindowed, target: Target{"s3://dea-public-data/WOfS/WOFLs/v2.1.5/combined", "wofls"}},
	ProductLS8FCAlbers: {name: "ls8_fc_albers", strategy: StrategyWindowed, target: Target{"s3://dea-public-data/fractional-cover/fc/v2.2.1/ls8", "ls8_fc"}},
	ProductLS7FCAlbers: {name: "ls7_fc_albers", strategy: StrategyWindowed, target: Target{"s3://dea-public-data/fractional-cover/fc/v2.2.1/ls7", "ls7_fc"}},
}

var byName = func() map[string]Product {
	m := make(map[string]Product, len(variants))
	for p, v := range variants {
		m[v.name] = p
	}
	return m
}()

// ParseProduct maps a discriminant to its product. Matching is exact and
// case-sensitive.
func ParseProduct(name string) (Product, bool) {
	p, ok := byName[name]
	return p, ok
}

func (p Product) String() string {
	if v, ok := variants[p]; ok {
		return v.name
	}
	return "unknown"
}

// Strategy returns the expansion a product uses.
func (p Product) Strategy() Strategy {
	return variants[p].strategy
}

// Location returns the built-in sync location of a product.
func (p Product) Location() (Location, bool) {
	v, ok := variants[p]
	if !ok || (v.strategy != StrategySceneSync && v.strategy != StrategyGranuleSync) {
		return Location{}, false
	}
	return v.location, true
}

// Target returns the built-in conversion target of a product.
func (p Product) Target() (Target, bool) {
	v, ok := variants[p]
	if !ok || v.strategy != StrategyWindowed {
		return Target{}, false
	}
	return v.target, true
}

// Products lists the known product names.
func Products() []string {
	names := make([]string, 0, len(variants))
	for p := ProductLS8NBAR; p <= ProductLS7FCAlbers; p++ {
		names = append(names, variants[p].name)
	}
	return names
}
