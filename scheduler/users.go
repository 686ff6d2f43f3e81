package scheduler

import (
	"k8s.io/klog/v2"

	"github.com/gomlx/fuser/deps"
	"github.com/gomlx/fuser/types"
)

// userList is shared by every buffer name that aliases the same storage, so
// registering a user under one alias is visible through all of them.
type userList struct {
	users []NodeUser
}

// rename resolves a buffer name to its current owner along the mutation
// rename chain.
func (s *Scheduler) rename(name string) string {
	if newName, found := s.mutationRenames[name]; found {
		return s.rename(newName)
	}
	return name
}

// depClosure returns the names of all nodes nodeName directly or indirectly
// depends on through precise same-region reads. Used to avoid inserting a
// redundant (and potentially cyclic) mutation edge towards a node already
// ordered before this one.
func (s *Scheduler) depClosure(nodeName string) types.Set[string] {
	reachable := types.SetWith(nodeName)
	s.depClosureInto(nodeName, reachable)
	return reachable
}

func (s *Scheduler) depClosureInto(nodeName string, reachable types.Set[string]) {
	node := s.nameToNode[nodeName]
	write, found := node.readWrites.Writes.Single()
	if !found {
		return
	}
	writeMem, ok := write.(deps.MemoryDep)
	if !ok {
		return
	}
	for _, read := range node.readWrites.Reads.Sorted() {
		readMem, ok := read.(deps.MemoryDep)
		if !ok {
			continue
		}
		if _, isNode := s.nameToNode[readMem.Buffer]; !isNode {
			continue
		}
		if readMem.SameRegion(writeMem) && !reachable.Has(readMem.Buffer) {
			reachable.Insert(readMem.Buffer)
			s.depClosureInto(readMem.Buffer, reachable)
		}
	}
}

// computeUsers produces, for every node, its final read-dependency set (with
// mutation renames resolved) and the full list of downstream users, including
// the synthetic terminal users that pin graph outputs and mutated inputs
// against dead-code elimination.
func (s *Scheduler) computeUsers() {
	nameToUsers := make(map[string]*userList)
	ensure := func(name string) *userList {
		if list, found := nameToUsers[name]; found {
			return list
		}
		list := &userList{}
		nameToUsers[name] = list
		return list
	}

	// Aliasing: if foo aliases bar, both names point at one shared userList,
	// so a write through either name notifies the readers of both.
	for _, node1 := range s.nodes {
		name1 := node1.Name()
		for _, name2 := range node1.buffer.Aliases {
			list1, has1 := nameToUsers[name1]
			list2, has2 := nameToUsers[name2]
			switch {
			case has1 && has2:
				if list1 == list2 {
					continue
				}
				combined := &userList{users: append(append([]NodeUser{}, list1.users...), list2.users...)}
				for key, list := range nameToUsers {
					if list == list1 || list == list2 {
						nameToUsers[key] = combined
					}
				}
			case has1:
				nameToUsers[name2] = list1
			default:
				nameToUsers[name1] = ensure(name2)
			}
		}
	}

	addUser := func(usedByName string, use NodeUser) {
		list := ensure(s.rename(usedByName))
		list.users = append(list.users, use)
	}

	for _, node := range s.nodes {
		// A node mutates either zero or one buffers.
		for _, altName := range node.buffer.Mutations {
			altName = s.rename(altName)
			// This node must run after the prior writer...
			addUser(altName, NodeUser{Name: node.Name()})
			node.addMutationDep(altName, s.availableBufferNames)
			// ...and after all prior readers, unless a reader already
			// directly or indirectly depends on this node's inputs, in which
			// case the extra edge is redundant.
			for _, otherUse := range ensure(altName).users {
				otherName := s.rename(otherUse.Name)
				if s.depClosure(node.Name()).Has(otherName) {
					continue
				}
				node.addMutationDep(otherName, s.availableBufferNames)
				addUser(otherName, NodeUser{Name: node.Name()})
			}
		}

		// Ordinary non-mutation dependencies.
		for _, read := range node.readWrites.Reads.Sorted() {
			addUser(read.BufferName(), NodeUser{Name: node.Name(), CanInplace: node.canInplace(read)})
		}

		node.setReadWrites(node.readWrites.Rename(s.mutationRenames), s.availableBufferNames)

		// Update the renaming scheme for the nodes that follow.
		for _, altName := range node.buffer.Mutations {
			s.mutationRenames[s.rename(altName)] = node.Name()
			s.mutationRenames[altName] = node.Name()
			realName := altName
			if original, found := s.mutationRealName[altName]; found {
				realName = original
			}
			s.mutationRealName[node.Name()] = realName
		}
	}

	// Pin graph outputs so dead-code elimination never removes them.
	for _, name := range s.graph.Outputs {
		addUser(name, NodeUser{Name: name, Output: true})
	}

	// Pin mutated graph inputs: their final value must reach the caller.
	mutatedNames := types.MakeSet[string](len(s.mutationRenames))
	for name := range s.mutationRenames {
		mutatedNames.Insert(name)
	}
	for _, name := range types.SortedKeys(mutatedNames) {
		if s.graph.Inputs.Has(name) {
			addUser(name, NodeUser{Name: name, Output: true})
			s.graph.MutatedInputs.Insert(name)
		}
	}

	// Copy the user information onto the nodes, and derive the reverse lists.
	for _, node := range s.nodes {
		if list, found := nameToUsers[node.Name()]; found {
			node.setUsers(list.users)
		} else {
			node.setUsers(nil)
		}
	}
	for _, node := range s.nodes {
		for _, use := range node.users {
			if use.Output {
				continue
			}
			if consumer := s.nameToNode[use.Name]; consumer != nil {
				consumer.inverseUsers = append(consumer.inverseUsers, node.Name())
			}
		}
	}
}

// deadNodeElimination drops nodes no output transitively depends on, and
// records their buffer names so codegen never allocates them. Runs exactly
// once, before the readiness index is seeded.
func (s *Scheduler) deadNodeElimination() {
	kept := s.nodes[:0]
	for _, node := range s.nodes {
		if len(node.users) > 0 {
			kept = append(kept, node)
			continue
		}
		klog.V(2).Infof("removed dead node: %s", node.Name())
		s.graph.RemovedBuffers.Insert(node.Name())
	}
	s.nodes = kept
}
