package linkmap

// sortMaps orders maps so that every module comes before the modules it
// depends on, the order finalizers must run in. It is a depth first
// search whose reverse post order is written from the end of the result.
//
// With forFini, run time dependencies count too, but only as long as
// they do not contradict the load time order: a second pass over the
// first result that follows initfini edges alone decides the final
// order. With forceFirst, maps[0] stays first.
func sortMaps(maps []*Module, forceFirst, forFini bool) {
	n := len(maps)
	if n == 0 {
		return
	}
	first := maps[0]
	for _, m := range maps {
		m.visited = false
	}

	rpo := make([]*Module, n)
	head := n
	reldeps := false
	var seenReldeps *bool
	if forFini {
		seenReldeps = &reldeps
	}
	for i := n - 1; i >= 0; i-- {
		dfs(maps[i], rpo, &head, seenReldeps)
		if head == 0 {
			break
		}
	}

	if reldeps {
		for i := n - 1; i >= 0; i-- {
			rpo[i].visited = false
		}
		head = n
		for i := n - 1; i >= 0; i-- {
			dfs(rpo[i], maps, &head, nil)
			if head == 0 {
				break
			}
		}
	} else {
		copy(maps, rpo)
	}

	if forceFirst && maps[0] != first {
		i := 1
		for maps[i] != first {
			i++
		}
		copy(maps[1:i+1], maps[:i])
		maps[0] = first
	}
}

// dfs visits m and its unvisited dependencies, prepending them to out in
// post order. The main program is never followed as a dependency.
func dfs(m *Module, out []*Module, head *int, reldeps *bool) {
	if m.visited {
		return
	}
	m.visited = true
	for _, dep := range m.initfini {
		if !dep.visited && dep.kind != KindExecutable {
			dfs(dep, out, head, reldeps)
		}
	}
	if reldeps != nil && len(m.reldeps) > 0 {
		*reldeps = true
		for i := len(m.reldeps) - 1; i >= 0; i-- {
			if dep := m.reldeps[i]; !dep.visited && dep.kind != KindExecutable {
				dfs(dep, out, head, reldeps)
			}
		}
	}
	*head--
	out[*head] = m
}
