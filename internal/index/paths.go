package index

// AllPaths returns every path currently indexed, across every message.
func (tx *Tx) AllPaths() ([]string, error) {
	rows, err := tx.tx.Query(`SELECT path FROM paths`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
