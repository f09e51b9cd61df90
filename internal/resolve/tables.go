package resolve

// Static lookup tables shipped with the game client build. Grace entities map
// to exactly one zone; map ids cover one or more zones and may need narrowing
// by submap before a unique graph node falls out.

// graceZone maps a grace entity id to its zone id.
var graceZone = map[int64]int{
	1051360950: 1100,
	1051362951: 1101,
	1051402950: 1102,
	1051452950: 1105,
	1052382950: 1110,
	1052552950: 1111,
	1053162950: 1120,
	1054562950: 1121,
	1251472950: 1200,
	1254392950: 1201,
	1257402950: 1202,
	11002950:   2000,
	11012950:   2001,
	11052950:   2002,
	12012950:   2100,
	12022951:   2101,
	12032950:   2102,
	13002950:   2200,
	13012950:   2201,
	14002950:   2300,
	14012951:   2301,
	15002950:   2400,
	16002950:   2500,
	18002950:   2600,
	19002950:   2700,
	30002950:   3000,
	30102950:   3001,
	30202950:   3002,
	31002950:   3100,
	31022950:   3101,
	32002950:   3200,
	34102950:   3300,
	35002950:   3400,
	39202950:   3900,
}

// mapZones maps a map id to the candidate zone ids it covers.
var mapZones = map[int64][]int{
	60411036: {1100, 1101},
	60421037: {1102},
	60431038: {1105, 1110},
	60441039: {1111},
	60451040: {1120, 1121},
	60461041: {1200, 1201, 1202},
	1100000:  {2000, 2001, 2002},
	1201000:  {2100, 2101, 2102},
	1300000:  {2200, 2201},
	1400000:  {2300, 2301},
	1500000:  {2400},
	1600000:  {2500},
	1800000:  {2600},
	1900000:  {2700},
	3000000:  {3000, 3001, 3002},
	3100000:  {3100, 3101},
	3200000:  {3200},
	3410000:  {3300},
	3500000:  {3400},
	3920000:  {3900},
}

// submapZone narrows a (map id, play region id) pair to one zone where the
// map table alone is ambiguous.
var submapZone = map[int64]map[int64]int{
	1100000:  {110000: 2000, 110010: 2001, 110020: 2002},
	1201000:  {120100: 2100, 120110: 2101, 120120: 2102},
	3000000:  {300000: 3000, 300010: 3001, 300020: 3002},
	60431038: {604310: 1105, 604311: 1110},
}
