package pipeline

import "histotrace/internal/models"

// TileGrid covers a w x h plane with tiles of at most tileSize pixels
// per side. A positive overlap makes neighboring tiles share that many
// pixel columns or rows, which callers use to give filters context
// beyond the tile edge. Tiles at the right and bottom are clipped to
// the plane, and indices run row-major.
func TileGrid(w, h, tileSize, overlap int) []models.Tile {
	if w <= 0 || h <= 0 || tileSize <= 0 {
		return nil
	}
	step := tileSize - overlap
	if step <= 0 {
		step = tileSize
	}

	var tiles []models.Tile
	index := 0
	for row, y := 0, 0; ; row, y = row+1, y+step {
		y1 := min(y+tileSize, h)
		for col, x := 0, 0; ; col, x = col+1, x+step {
			x1 := min(x+tileSize, w)
			tiles = append(tiles, models.Tile{
				Index: index,
				Col:   col,
				Row:   row,
				X0:    x,
				Y0:    y,
				X1:    x1,
				Y1:    y1,
			})
			index++
			if x1 >= w {
				break
			}
		}
		if y1 >= h {
			break
		}
	}
	return tiles
}
